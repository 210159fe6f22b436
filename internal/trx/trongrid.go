// Package trx adapts the TronGrid account API to retrieve.Fetcher.
package trx

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
	DefaultEndpoint = "https://api.trongrid.io"
	// DefaultPageSize is the largest limit TronGrid accepts.
	DefaultPageSize = 200
	defaultTimeout  = 30 * time.Second
	apiKeyHeader    = "TRON-PRO-API-KEY"
)

// Client fetches confirmed transaction history for a TRON address. It makes
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
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
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
		log:         logging.Component("trx").With("provider", label),
	}, nil
}

type envelope struct {
	Data    []normalize.TronTx `json:"data"`
	Success bool               `json:"success"`
	Error   string             `json:"error"`
	Meta    struct {
		Fingerprint string `json:"fingerprint"`
	} `json:"meta"`
}

// Fetch returns one page of transactions. The cursor is TronGrid's
// fingerprint for the next page.
func (c *Client) Fetch(ctx context.Context, addr chain.Address, cursor string) (retrieve.Page, error) {
	if addr.Chain() != chain.TRX {
		return retrieve.Page{}, fmt.Errorf("%w: %s is not a tron address", retrieve.ErrInvalidAddress, addr)
	}
	var env envelope
	if err := c.get(ctx, addr, cursor, &env); err != nil {
		return retrieve.Page{}, err
	}
	if !env.Success {
		return retrieve.Page{}, apiError(env.Error)
	}

	out := retrieve.Page{Records: make([]chain.Record, 0, len(env.Data))}
	for _, tx := range env.Data {
		r, err := normalize.Tron(tx)
		if err != nil {
			if !errors.Is(err, normalize.ErrFailedTx) && !errors.Is(err, normalize.ErrNotTransfer) {
				c.log.Warn("record_skipped", "address", addr.String(), "tx", tx.TxID, "error", err.Error())
			}
			continue
		}
		out.Records = append(out.Records, r)
	}
	if len(env.Data) > 0 {
		out.NextCursor = env.Meta.Fingerprint
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, addr chain.Address, cursor string, out *envelope) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("only_confirmed", "true")
	q.Set("order_by", "block_timestamp,asc")
	q.Set("visible", "true")
	if cursor != "" {
		q.Set("fingerprint", cursor)
	}
	u := c.endpoint + "/v1/accounts/" + url.PathEscape(addr.String()) + "/transactions?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
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
		if resp.StatusCode == http.StatusForbidden && strings.Contains(strings.ToLower(string(b)), "frequency") {
			return &retrieve.RateLimitError{RetryAfter: retrieve.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
		}
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

// apiError maps a success=false envelope that came back with HTTP 200.
func apiError(msg string) error {
	text := strings.ToLower(msg)
	switch {
	case strings.Contains(text, "frequency") || strings.Contains(text, "rate limit"):
		return &retrieve.RateLimitError{}
	case strings.Contains(text, "address"):
		return fmt.Errorf("%w: %s", retrieve.ErrInvalidAddress, msg)
	default:
		return fmt.Errorf("%w: %s", retrieve.ErrUnavailable, msg)
	}
}
