package btc

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AIAleph/flowtrace/internal/chain"
	"github.com/AIAleph/flowtrace/internal/logging"
	"github.com/AIAleph/flowtrace/internal/retrieve"
)

const (
	base    = "https://esplora.test/api"
	genesis = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	segwit  = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
)

var root = chain.MustAddress(chain.BTC, genesis)

func newMocked(t *testing.T) *Client {
	t.Helper()
	prev := logging.Logger()
	logging.DiscardLogging()

	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	t.Cleanup(func() {
		httpmock.DeactivateAndReset()
		logging.SetLogger(prev)
	})
	c, err := NewClient(base+"/", hc)
	require.NoError(t, err)
	return c
}

func txJSON(id string, confirmed bool) string {
	return fmt.Sprintf(`{"txid":%q,"fee":100,"status":{"confirmed":%t,"block_time":1700000000},
		"vin":[{"txid":"prev","vout":0,"is_coinbase":false,"prevout":{"scriptpubkey_address":%q,"value":10100}}],
		"vout":[{"scriptpubkey_address":%q,"value":6000},{"scriptpubkey_address":%q,"value":4000},{"scriptpubkey_type":"op_return","value":0}]}`,
		id, confirmed, genesis, segwit, genesis)
}

func page(ids ...string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = txJSON(id, !strings.HasPrefix(id, "mem"))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func TestFetch_FirstPage(t *testing.T) {
	c := newMocked(t)
	httpmock.RegisterResponder(http.MethodGet, base+"/address/"+genesis+"/txs",
		httpmock.NewStringResponder(200, page("mem1", "AA01")))

	p, err := c.Fetch(context.Background(), root, "")
	require.NoError(t, err)
	require.Len(t, p.Records, 2)
	assert.Empty(t, p.NextCursor)

	r := p.Records[1]
	assert.Equal(t, "aa01", r.ID)
	require.Len(t, r.Inputs, 1)
	require.Len(t, r.Outputs, 2)
	assert.Equal(t, root, r.Inputs[0].Address)
	assert.Equal(t, "100", r.Fee.String())
	assert.True(t, r.Conserves(chain.Amount{}))
}

func TestFetch_PaginatesConfirmedHistory(t *testing.T) {
	c := newMocked(t)
	ids := make([]string, chainPageSize)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%02d", i)
	}
	httpmock.RegisterResponder(http.MethodGet, base+"/address/"+genesis+"/txs",
		httpmock.NewStringResponder(200, page(append([]string{"mem1"}, ids...)...)))
	httpmock.RegisterResponder(http.MethodGet, base+"/address/"+genesis+"/txs/chain/c24",
		httpmock.NewStringResponder(200, page("d00")))

	p, err := c.Fetch(context.Background(), root, "")
	require.NoError(t, err)
	assert.Len(t, p.Records, chainPageSize+1)
	assert.Equal(t, "c24", p.NextCursor)

	p, err = c.Fetch(context.Background(), root, p.NextCursor)
	require.NoError(t, err)
	require.Len(t, p.Records, 1)
	assert.Empty(t, p.NextCursor)
}

func TestFetch_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{400, retrieve.ErrInvalidAddress},
		{404, retrieve.ErrNotFound},
		{429, retrieve.ErrRateLimited},
		{500, retrieve.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			c := newMocked(t)
			httpmock.RegisterResponder(http.MethodGet, base+"/address/"+genesis+"/txs",
				httpmock.NewStringResponder(tt.status, "nope"))
			_, err := c.Fetch(context.Background(), root, "")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFetch_MalformedBody(t *testing.T) {
	c := newMocked(t)
	httpmock.RegisterResponder(http.MethodGet, base+"/address/"+genesis+"/txs",
		httpmock.NewStringResponder(200, `{"not":"a list"}`))
	_, err := c.Fetch(context.Background(), root, "")
	assert.ErrorIs(t, err, retrieve.ErrUnavailable)
}

func TestFetch_RejectsForeignChain(t *testing.T) {
	c := newMocked(t)
	eth := chain.MustAddress(chain.ETH, "0x1111111111111111111111111111111111111111")
	_, err := c.Fetch(context.Background(), eth, "")
	assert.ErrorIs(t, err, retrieve.ErrInvalidAddress)
	assert.Zero(t, httpmock.GetTotalCallCount())
}

func TestNewClient(t *testing.T) {
	_, err := NewClient("", nil)
	assert.Error(t, err)

	c, err := NewClient("https://blockstream.info/api/", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://blockstream.info/api", c.base)
	assert.Equal(t, "blockstream.info", c.providerLbl)
}
