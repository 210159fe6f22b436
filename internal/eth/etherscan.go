// Package eth adapts the Etherscan account API to retrieve.Fetcher.
package eth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/AIAleph/flowtrace/internal/chain"
	"github.com/AIAleph/flowtrace/internal/logging"
	"github.com/AIAleph/flowtrace/internal/normalize"
	"github.com/AIAleph/flowtrace/internal/retrieve"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultEndpoint = "https://api.etherscan.io/api"
	// DefaultPageSize is the txlist offset; Etherscan caps page*offset at 10000.
	DefaultPageSize = 1000
	defaultTimeout  = 30 * time.Second
)

// Client fetches normal-transaction history for an Ethereum address. It makes
// one request per call; retries and pacing belong to retrieve.Client.
type Client struct {
	endpoint    string
	apiKey      string
	providerLbl string
	hc          retrieve.Doer
	pageSize    int
	log         *slog.Logger
}

// NewClient builds a client for endpoint using hc (or a default one if nil).
func NewClient(endpoint, apiKey string, hc *http.Client) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty endpoint")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	label := retrieve.ProviderLabel(endpoint)
	return &Client{
		endpoint:    endpoint,
		apiKey:      apiKey,
		providerLbl: label,
		hc:          hc,
		pageSize:    DefaultPageSize,
		log:         logging.Component("eth").With("provider", label),
	}, nil
}

type envelope struct {
	Status  string              `json:"status"`
	Message string              `json:"message"`
	Result  jsoniter.RawMessage `json:"result"`
}

// Fetch returns one txlist page. The cursor is the 1-based page number.
func (c *Client) Fetch(ctx context.Context, addr chain.Address, cursor string) (retrieve.Page, error) {
	if addr.Chain() != chain.ETH {
		return retrieve.Page{}, fmt.Errorf("%w: %s is not an eth address", retrieve.ErrInvalidAddress, addr)
	}
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return retrieve.Page{}, fmt.Errorf("eth: bad cursor %q", cursor)
		}
		page = n
	}

	var env envelope
	if err := c.get(ctx, addr, page, &env); err != nil {
		return retrieve.Page{}, err
	}
	if env.Status != "1" {
		return retrieve.Page{}, c.apiError(env)
	}
	var txs []normalize.AccountTx
	if err := json.Unmarshal(env.Result, &txs); err != nil {
		return retrieve.Page{}, fmt.Errorf("%w: decode txlist: %w", retrieve.ErrUnavailable, err)
	}

	out := retrieve.Page{Records: make([]chain.Record, 0, len(txs))}
	for _, tx := range txs {
		r, err := normalize.Account(chain.ETH, tx)
		if err != nil {
			if !errors.Is(err, normalize.ErrFailedTx) {
				c.log.Warn("record_skipped", "address", addr.String(), "tx", tx.Hash, "error", err.Error())
			}
			continue
		}
		out.Records = append(out.Records, r)
	}
	if len(txs) >= c.pageSize {
		out.NextCursor = strconv.Itoa(page + 1)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, addr chain.Address, page int, out *envelope) error {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", addr.String())
	q.Set("startblock", "0")
	q.Set("endblock", "99999999")
	q.Set("page", strconv.Itoa(page))
	q.Set("offset", strconv.Itoa(c.pageSize))
	q.Set("sort", "asc")
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return retrieve.TransportError(ctx, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	retrieve.ObserveResponse(c.providerLbl, resp.StatusCode)
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return retrieve.StatusError(resp, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: decode response: %w", retrieve.ErrUnavailable, err)
	}
	return nil
}

// apiError maps a status "0" envelope. Etherscan reports an empty history,
// throttling and bad input this way, all with HTTP 200.
func (c *Client) apiError(env envelope) error {
	var detail string
	_ = json.Unmarshal(env.Result, &detail)
	text := strings.ToLower(env.Message + " " + detail)
	switch {
	case strings.Contains(text, "no transactions found"):
		return fmt.Errorf("%w: %s", retrieve.ErrNotFound, env.Message)
	case strings.Contains(text, "rate limit"):
		return &retrieve.RateLimitError{}
	case strings.Contains(text, "invalid address"):
		return fmt.Errorf("%w: %s", retrieve.ErrInvalidAddress, detail)
	default:
		return fmt.Errorf("%w: %s: %s", retrieve.ErrUnavailable, env.Message, detail)
	}
}
