package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AIAleph/flowtrace/internal/chain"
	"github.com/AIAleph/flowtrace/internal/flow/flowtest"
	"github.com/AIAleph/flowtrace/internal/logging"
	"github.com/AIAleph/flowtrace/internal/retrieve"
	"github.com/AIAleph/flowtrace/internal/tracer"
)

const (
	ethAddr = "0x52908400098527886E0F7030069857D2E4169EE7"
	trxAddr = "TLa2f6VPqDgRE67v1736s7bJ8Ray5wYjU7"
)

// stub restores the logger and default wiring when the test ends.
func stub(t *testing.T) {
	t.Helper()
	prev := logging.Logger()
	t.Cleanup(func() {
		logging.SetLogger(prev)
		wireDefaults()
	})
}

func runCLI(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	stub(t)
	var out, errBuf bytes.Buffer
	code = run(args, &out, &errBuf)
	return code, out.String(), errBuf.String()
}

func TestRun_ShowVersion(t *testing.T) {
	version = "test-version"
	code, out, _ := runCLI(t, "--version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "test-version", strings.TrimSpace(out))
}

func TestRun_Help(t *testing.T) {
	code, out, _ := runCLI(t, "--help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "--address")
	assert.Contains(t, out, "TRACE_MAX_DEPTH")
	assert.Contains(t, out, "Examples:")
}

func TestRun_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing address", nil, "missing --address"},
		{"invalid address", []string{"-a", "0xnothex"}, "invalid --address"},
		{"unknown flag", []string{"--bogus"}, "see --help"},
		{"bad depth", []string{"-a", ethAddr, "--max-depth", "0"}, "--max-depth"},
		{"bad decay", []string{"-a", ethAddr, "--decay", "1.5"}, "--decay"},
		{"bad deadline", []string{"-a", ethAddr, "--deadline", "0s"}, "--deadline"},
		{"bad concurrency", []string{"-a", ethAddr, "-c", "0"}, "--concurrency"},
		{"bad tree nodes", []string{"-a", ethAddr, "--tree-nodes", "0"}, "--tree-nodes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runCLI(t, tt.args...)
			assert.Equal(t, 2, code)
			assert.Contains(t, stderr, tt.want)
		})
	}
}

func TestRun_DryRunOutputsPlan(t *testing.T) {
	t.Setenv("ETHERSCAN_URL", "https://api.etherscan.io/api?apikey=s3cr3t")
	t.Setenv("TRACE_MAX_DEPTH", "4")
	code, out, _ := runCLI(t, "-a", ethAddr, "--dry-run", "-n", "25", "--compact")
	require.Equal(t, 0, code)
	assert.NotContains(t, out, "s3cr3t")

	var plan map[string]any
	require.NoError(t, jsoniter.Unmarshal([]byte(out), &plan))
	assert.Equal(t, strings.ToLower(ethAddr), plan["address"])
	assert.Equal(t, "eth", plan["chain"])
	assert.EqualValues(t, 4, plan["max_depth"])
	assert.EqualValues(t, 25, plan["max_nodes"])
	assert.EqualValues(t, 100, plan["tree_nodes"])
}

func TestRun_AnalyzesWithInjectedFetcher(t *testing.T) {
	l := flowtest.New()
	l.Send("A", "B", 10)
	root := flowtest.Addr("A").String()
	var gotOpts tracer.Options
	stub(t)
	newETH = func(endpoint, apiKey string) (retrieve.Fetcher, error) {
		assert.Equal(t, "k", apiKey)
		return l.Fetcher(), nil
	}
	analyze = func(ctx context.Context, raw string, reg tracer.Registry, opts tracer.Options) (*tracer.Result, error) {
		gotOpts = opts
		opts.Retry = retrieve.Options{MaxAttempts: 1, DisableCache: true}
		return tracer.AnalyzeAddress(ctx, raw, reg, opts)
	}

	code, out, stderr := runCLI(t, "-a", root, "--etherscan-key", "k", "-d", "2", "-t", "5s")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, 2, gotOpts.MaxDepth)
	assert.Equal(t, 5*time.Second, gotOpts.Deadline)

	var res struct {
		Root       string `json:"root"`
		Candidates []struct {
			Address string `json:"address"`
		} `json:"candidates"`
		Completeness string `json:"completeness"`
	}
	require.NoError(t, jsoniter.Unmarshal([]byte(out), &res))
	assert.Equal(t, root, res.Root)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, flowtest.Addr("B").String(), res.Candidates[0].Address)
	assert.Equal(t, "complete", res.Completeness)
}

func TestRun_AnalysisError(t *testing.T) {
	stub(t)
	analyze = func(context.Context, string, tracer.Registry, tracer.Options) (*tracer.Result, error) {
		return nil, errors.Join(tracer.ErrRootUnavailable, retrieve.ErrDataUnavailable)
	}
	code, _, stderr := runCLI(t, "-a", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "analysis error")
}

func TestRun_ClientConstructionError(t *testing.T) {
	stub(t)
	newBTC = func(string) (retrieve.Fetcher, error) { return nil, errors.New("bad endpoint") }
	code, _, stderr := runCLI(t, "-a", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "esplora client error")
}

func TestDefaultWiring(t *testing.T) {
	f, err := defaultNewETH("https://api.etherscan.io/api", "")
	require.NoError(t, err)
	assert.NotNil(t, f)
	f, err = defaultNewBTC("https://blockstream.info/api")
	require.NoError(t, err)
	assert.NotNil(t, f)
	_, err = defaultNewBTC("")
	assert.Error(t, err)
	f, err = defaultNewTRX("https://api.trongrid.io", "")
	require.NoError(t, err)
	assert.NotNil(t, f)
	_, err = defaultNewTRX("", "")
	assert.Error(t, err)
}

func TestRun_TronRootUsesTronGrid(t *testing.T) {
	stub(t)
	t.Setenv("TRONGRID_URL", "https://tron.internal")
	var gotURL, gotKey string
	var gotReg tracer.Registry
	newTRX = func(endpoint, apiKey string) (retrieve.Fetcher, error) {
		gotURL, gotKey = endpoint, apiKey
		return flowtest.New().Fetcher(), nil
	}
	analyze = func(_ context.Context, raw string, reg tracer.Registry, _ tracer.Options) (*tracer.Result, error) {
		gotReg = reg
		return &tracer.Result{}, nil
	}

	code, _, stderr := runCLI(t, "-a", trxAddr, "--trongrid-key", "tk")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "https://tron.internal", gotURL)
	assert.Equal(t, "tk", gotKey)
	assert.Contains(t, gotReg, chain.TRX)
	assert.Len(t, gotReg, 1)

	newTRX = func(string, string) (retrieve.Fetcher, error) { return nil, errors.New("bad endpoint") }
	code, _, stderr = runCLI(t, "-a", trxAddr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "trongrid client error")
}

func TestRun_Detect(t *testing.T) {
	tests := []struct {
		raw   string
		chain string
		addr  string
	}{
		{ethAddr, "eth", strings.ToLower(ethAddr)},
		{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "btc", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"},
		{trxAddr, "trx", trxAddr},
	}
	for _, tt := range tests {
		t.Run(tt.chain, func(t *testing.T) {
			code, out, stderr := runCLI(t, "--detect", "--compact", "-a", tt.raw)
			require.Equal(t, 0, code, stderr)
			var got map[string]string
			require.NoError(t, jsoniter.Unmarshal([]byte(out), &got))
			assert.Equal(t, tt.chain, got["chain"])
			assert.Equal(t, tt.addr, got["address"])
		})
	}

	code, out, stderr := runCLI(t, "--detect", "-a", "Tnot-tron")
	assert.Equal(t, 2, code)
	assert.Empty(t, out)
	assert.Contains(t, stderr, "invalid --address")
}

func TestRun_MetricsWrittenToStderr(t *testing.T) {
	l := flowtest.New()
	l.Send("A", "B", 10)
	stub(t)
	newETH = func(string, string) (retrieve.Fetcher, error) { return l.Fetcher(), nil }
	analyze = func(ctx context.Context, raw string, reg tracer.Registry, opts tracer.Options) (*tracer.Result, error) {
		opts.Retry = retrieve.Options{MaxAttempts: 1, DisableCache: true}
		return tracer.AnalyzeAddress(ctx, raw, reg, opts)
	}

	code, _, stderr := runCLI(t, "-a", flowtest.Addr("A").String(), "--metrics", "--compact")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stderr, "# TYPE flowtrace_analysis_total counter")
	assert.Contains(t, stderr, "flowtrace_fetch_attempts_total")

	_, _, stderr = runCLI(t, "-a", flowtest.Addr("A").String(), "--compact")
	assert.NotContains(t, stderr, "flowtrace_analysis_total")
}

func TestRun_ZeroMixingThresholdReachesAnalysis(t *testing.T) {
	stub(t)
	got := -1.0
	analyze = func(_ context.Context, _ string, _ tracer.Registry, opts tracer.Options) (*tracer.Result, error) {
		got = opts.MixingThreshold
		return &tracer.Result{}, nil
	}
	code, _, stderr := runCLI(t, "-a", ethAddr, "--mixing-threshold", "0")
	require.Equal(t, 0, code, stderr)
	assert.Zero(t, got)

	code, _, stderr = runCLI(t, "-a", ethAddr, "--mixing-threshold=-0.5")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--mixing-threshold")
}
