package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AIAleph/flowtrace/internal/btc"
	"github.com/AIAleph/flowtrace/internal/chain"
	cfgpkg "github.com/AIAleph/flowtrace/internal/config"
	"github.com/AIAleph/flowtrace/internal/eth"
	"github.com/AIAleph/flowtrace/internal/logging"
	"github.com/AIAleph/flowtrace/internal/metrics"
	"github.com/AIAleph/flowtrace/internal/retrieve"
	"github.com/AIAleph/flowtrace/internal/tracer"
	"github.com/AIAleph/flowtrace/internal/trx"
)

var (
	// version is set via -ldflags "-X main.version=..."
	version = "dev"
	// exit is aliased to os.Exit to allow overriding in tests.
	exit = os.Exit
	// function variables allow tests to inject stubs
	newETH  func(endpoint, apiKey string) (retrieve.Fetcher, error)
	newBTC  func(endpoint string) (retrieve.Fetcher, error)
	newTRX  func(endpoint, apiKey string) (retrieve.Fetcher, error)
	analyze func(ctx context.Context, raw string, reg tracer.Registry, opts tracer.Options) (*tracer.Result, error)
)

func defaultNewETH(endpoint, apiKey string) (retrieve.Fetcher, error) {
	return eth.NewClient(endpoint, apiKey, nil)
}

func defaultNewBTC(endpoint string) (retrieve.Fetcher, error) {
	return btc.NewClient(endpoint, nil)
}

func defaultNewTRX(endpoint, apiKey string) (retrieve.Fetcher, error) {
	return trx.NewClient(endpoint, apiKey, nil)
}

func wireDefaults() {
	newETH = defaultNewETH
	newBTC = defaultNewBTC
	newTRX = defaultNewTRX
	analyze = tracer.AnalyzeAddress
}

func init() { wireDefaults() }

// cliOptions mirrors the environment configuration; flags left unset keep the
// env-derived value already in the struct.
type cliOptions struct {
	Address         string        `short:"a" long:"address" description:"Address to trace (eth 0x..., btc 1.../3.../bc1..., trx T...) [required]"`
	EtherscanURL    string        `long:"etherscan-url" description:"Etherscan API endpoint (ETHERSCAN_URL)"`
	EtherscanAPIKey string        `long:"etherscan-key" description:"Etherscan API key (ETHERSCAN_API_KEY)"`
	EsploraURL      string        `long:"esplora-url" description:"Esplora API endpoint (ESPLORA_URL)"`
	TronGridURL     string        `long:"trongrid-url" description:"TronGrid API endpoint (TRONGRID_URL)"`
	TronGridAPIKey  string        `long:"trongrid-key" description:"TronGrid API key (TRONGRID_API_KEY)"`
	MaxDepth        int           `short:"d" long:"max-depth" description:"Maximum hops from the root (TRACE_MAX_DEPTH)"`
	MaxNodes        int           `short:"n" long:"max-nodes" description:"Maximum addresses fetched (TRACE_MAX_NODES)"`
	MaxCandidates   int           `short:"k" long:"max-candidates" description:"End receivers reported (TRACE_MAX_CANDIDATES)"`
	Deadline        time.Duration `short:"t" long:"deadline" description:"Wall-clock budget for the whole run (TRACE_DEADLINE)"`
	DecayBase       float64       `long:"decay" description:"Per-hop score decay in (0,1] (TRACE_DECAY_BASE)"`
	MixingThreshold float64       `long:"mixing-threshold" description:"Max coefficient of variation of a mixer fan-out (TRACE_MIXING_THRESHOLD)"`
	Concurrency     int           `short:"c" long:"concurrency" description:"Fetches in flight per hop (FETCH_CONCURRENCY)"`
	RateLimit       int           `long:"rate-limit" description:"Upstream requests per second, 0 = unlimited (RATE_LIMIT)"`
	TreeNodes       int           `long:"tree-nodes" default:"100" description:"Non-root nodes kept in the exported tree"`
	Compact         bool          `long:"compact" description:"Print single-line JSON"`
	DryRun          bool          `long:"dry-run" description:"Print plan and exit"`
	Detect          bool          `long:"detect" description:"Print the detected chain of --address and exit"`
	Metrics         bool          `long:"metrics" description:"Write Prometheus metrics to stderr after the run"`
	ShowVersion     bool          `short:"V" long:"version" description:"Print version and exit"`
}

const usageExamples = `
Examples:
  Trace where the funds of an Ethereum address ended up:
    tracer --address 0xabc... --max-depth 4
  Bitcoin through a self-hosted Esplora, plan only:
    tracer -a bc1q... --esplora-url http://localhost:3000 --dry-run
  Which chain does an address belong to:
    tracer --detect -a TLa2f6VPqDgRE67v1736s7bJ8Ray5wYjU7
`

func main() {
	if code := run(os.Args[1:], os.Stdout, os.Stderr); code != 0 {
		exit(code)
	}
}

// run executes the CLI and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	defaults := cfgpkg.Load()
	logging.SetLogger(logging.New(stderr, logging.ParseLevel(defaults.LogLevel)))

	o := cliOptions{
		EtherscanURL:    defaults.EtherscanURL,
		EtherscanAPIKey: defaults.EtherscanAPIKey,
		EsploraURL:      defaults.EsploraURL,
		TronGridURL:     defaults.TronGridURL,
		TronGridAPIKey:  defaults.TronGridAPIKey,
		MaxDepth:        defaults.MaxDepth,
		MaxNodes:        defaults.MaxNodes,
		MaxCandidates:   defaults.MaxCandidates,
		Deadline:        defaults.Deadline,
		DecayBase:       defaults.DecayBase,
		MixingThreshold: defaults.MixingThreshold,
		Concurrency:     defaults.Concurrency,
		RateLimit:       defaults.RateLimit,
	}
	parser := flags.NewParser(&o, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "tracer"
	parser.Usage = "--address ADDR [OPTIONS]"
	if _, err := parser.ParseArgs(args); err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			parser.WriteHelp(stdout)
			fmt.Fprint(stdout, usageExamples)
			return 0
		}
		fmt.Fprintf(stderr, "%v; see --help\n", err)
		return 2
	}

	if o.ShowVersion {
		fmt.Fprintln(stdout, version)
		return 0
	}
	if strings.TrimSpace(o.Address) == "" {
		fmt.Fprintln(stderr, "missing --address; see --help")
		return 2
	}
	root, err := chain.Parse(o.Address)
	if err != nil {
		fmt.Fprintf(stderr, "invalid --address: %v\n", err)
		return 2
	}
	if o.Detect {
		return encode(stdout, stderr, map[string]string{
			"address": root.String(),
			"chain":   string(root.Chain()),
		}, o.Compact)
	}
	if msg := validate(o); msg != "" {
		fmt.Fprintln(stderr, msg)
		return 2
	}

	opts := defaults.Options()
	opts.MaxDepth = o.MaxDepth
	opts.MaxNodes = o.MaxNodes
	opts.MaxCandidates = o.MaxCandidates
	opts.Deadline = o.Deadline
	opts.DecayBase = o.DecayBase
	opts.MixingThreshold = o.MixingThreshold
	opts.Concurrency = o.Concurrency
	opts.ExportNodes = o.TreeNodes
	opts.Retry.RateLimit = o.RateLimit

	if o.DryRun {
		plan := map[string]any{
			"address":          root.String(),
			"chain":            string(root.Chain()),
			"etherscan_url":    cfgpkg.RedactURL(o.EtherscanURL),
			"etherscan_key":    o.EtherscanAPIKey != "",
			"esplora_url":      cfgpkg.RedactURL(o.EsploraURL),
			"trongrid_url":     cfgpkg.RedactURL(o.TronGridURL),
			"trongrid_key":     o.TronGridAPIKey != "",
			"max_depth":        opts.MaxDepth,
			"max_nodes":        opts.MaxNodes,
			"max_candidates":   opts.MaxCandidates,
			"deadline":         opts.Deadline.String(),
			"decay_base":       opts.DecayBase,
			"mixing_threshold": opts.MixingThreshold,
			"concurrency":      opts.Concurrency,
			"rate_limit":       opts.Retry.RateLimit,
			"max_attempts":     opts.Retry.MaxAttempts,
			"cache":            !opts.Retry.DisableCache,
			"tree_nodes":       opts.ExportNodes,
		}
		return encode(stdout, stderr, plan, o.Compact)
	}

	reg := tracer.Registry{}
	switch root.Chain() {
	case chain.ETH:
		f, err := newETH(o.EtherscanURL, o.EtherscanAPIKey)
		if err != nil {
			fmt.Fprintf(stderr, "etherscan client error: %v\n", err)
			return 1
		}
		reg[chain.ETH] = f
	case chain.BTC:
		f, err := newBTC(o.EsploraURL)
		if err != nil {
			fmt.Fprintf(stderr, "esplora client error: %v\n", err)
			return 1
		}
		reg[chain.BTC] = f
	case chain.TRX:
		f, err := newTRX(o.TronGridURL, o.TronGridAPIKey)
		if err != nil {
			fmt.Fprintf(stderr, "trongrid client error: %v\n", err)
			return 1
		}
		reg[chain.TRX] = f
	}

	if o.Metrics {
		metrics.Init()
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	res, err := analyze(ctx, o.Address, reg, opts)
	if o.Metrics {
		if merr := metrics.WriteText(stderr, prometheus.DefaultGatherer); merr != nil {
			fmt.Fprintf(stderr, "metrics error: %v\n", merr)
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "analysis error: %v\n", err)
		return 1
	}
	return encode(stdout, stderr, res, o.Compact)
}

func validate(o cliOptions) string {
	switch {
	case o.MaxDepth < 1:
		return "--max-depth must be >= 1"
	case o.MaxNodes < 1:
		return "--max-nodes must be >= 1"
	case o.MaxCandidates < 1:
		return "--max-candidates must be >= 1"
	case o.Deadline <= 0:
		return "--deadline must be > 0"
	case o.DecayBase <= 0 || o.DecayBase > 1:
		return "--decay must be in (0,1]"
	case o.MixingThreshold < 0:
		return "--mixing-threshold must be >= 0"
	case o.Concurrency < 1:
		return "--concurrency must be >= 1"
	case o.RateLimit < 0:
		return "--rate-limit must be >= 0"
	case o.TreeNodes < 1:
		return "--tree-nodes must be >= 1"
	}
	return ""
}

func encode(stdout, stderr io.Writer, v any, compact bool) int {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(stdout)
	if !compact {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "encode error: %v\n", err)
		return 1
	}
	return 0
}
