// Package btc adapts an Esplora REST API (blockstream.info, mempool.space or
// a self-hosted electrs) to retrieve.Fetcher.
package btc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
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
	DefaultEndpoint = "https://blockstream.info/api"
	// chainPageSize is how many confirmed transactions Esplora returns per page.
	chainPageSize  = 25
	defaultTimeout = 30 * time.Second
)

// Client fetches transaction history for a Bitcoin address.
type Client struct {
	base        string
	providerLbl string
	hc          retrieve.Doer
	log         *slog.Logger
}

func NewClient(endpoint string, hc *http.Client) (*Client, error) {
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
		base:        endpoint,
		providerLbl: label,
		hc:          hc,
		log:         logging.Component("btc").With("provider", label),
	}, nil
}

// Fetch returns one page of history. The first page includes mempool
// transactions; later pages walk confirmed history and the cursor is the
// last confirmed txid seen.
func (c *Client) Fetch(ctx context.Context, addr chain.Address, cursor string) (retrieve.Page, error) {
	if addr.Chain() != chain.BTC {
		return retrieve.Page{}, fmt.Errorf("%w: %s is not a btc address", retrieve.ErrInvalidAddress, addr)
	}
	path := "/address/" + url.PathEscape(addr.String()) + "/txs"
	if cursor != "" {
		path += "/chain/" + url.PathEscape(cursor)
	}

	var txs []normalize.UTXOTx
	if err := c.get(ctx, path, &txs); err != nil {
		return retrieve.Page{}, err
	}

	out := retrieve.Page{Records: make([]chain.Record, 0, len(txs))}
	var (
		confirmed int
		last      string
	)
	for _, tx := range txs {
		if tx.Status.Confirmed {
			confirmed++
			last = tx.TxID
		}
		r, err := normalize.UTXO(chain.BTC, tx)
		if err != nil {
			c.log.Debug("record_skipped", "address", addr.String(), "tx", tx.TxID, "error", err.Error())
			continue
		}
		out.Records = append(out.Records, r)
	}
	if confirmed >= chainPageSize {
		out.NextCursor = last
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
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
		return fmt.Errorf("%w: decode %s: %w", retrieve.ErrUnavailable, path, err)
	}
	return nil
}
