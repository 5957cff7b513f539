package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Synthetixio/snx-api/internal/config"
	"github.com/Synthetixio/snx-api/internal/source"
)

const (
	snxAddr = "0xC011a73ee8576Fb46F5E1c5751cA3B9Fe0af2a6F"
	liqAddr = "0xf79603a71144e415730C1A6f57F366E4Ea962C00"
)

func word(v string) string {
	return "0x" + strings.Repeat("0", 64-len(v)) + v
}

// node answers eth_call from a calldata -> hex word table.
func node(t *testing.T, results map[string]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req := gjson.ParseBytes(body)
		id := req.Get("id").Int()
		if req.Get("method").String() != "eth_call" {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, id)
			return
		}
		data := req.Get("params.0.data").String()
		out, ok := results[data]
		if !ok {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":3,"message":"execution reverted"}}`, id)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%q}`, id, out)
	}))
}

func calldata(t *testing.T, sig string, args ...string) string {
	data, err := EncodeCall(sig, args...)
	require.NoError(t, err)
	return "0x" + hex.EncodeToString(data)
}

func TestSelector(t *testing.T) {
	assert.Equal(t, "18160ddd", hex.EncodeToString(Selector("totalSupply()")))
	assert.Equal(t, "70a08231", hex.EncodeToString(Selector("balanceOf(address)")))
}

func TestEncodeCall(t *testing.T) {
	data, err := EncodeCall("balanceOf(address)", liqAddr)
	require.NoError(t, err)
	require.Len(t, data, 36)
	assert.Equal(t, strings.ToLower(strings.TrimPrefix(liqAddr, "0x")), hex.EncodeToString(data[16:]))

	_, err = EncodeCall("balanceOf(address)")
	assert.Error(t, err)
	_, err = EncodeCall("balanceOf(address)", "0x1234")
	assert.Error(t, err)
	_, err = EncodeCall("transfer(address,uint256)", liqAddr, "1")
	assert.Error(t, err)
	_, err = EncodeCall("noparens", liqAddr)
	assert.Error(t, err)
}

func TestDecodeUint256(t *testing.T) {
	v, err := DecodeUint256(word("de0b6b3a7640000"))
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", v.String())

	_, err = DecodeUint256("0x")
	assert.ErrorIs(t, err, errEmptyResult)
	_, err = DecodeUint256("0x1234")
	assert.Error(t, err)
}

func TestReadContractValue(t *testing.T) {
	srv := node(t, map[string]string{
		calldata(t, "totalSupply()"):               word("d3c21bcecceda1000000"),
		calldata(t, "balanceOf(address)", liqAddr): word("0"),
		calldata(t, "totalEscrowedBalance()"):      "0x",
	})
	defer srv.Close()

	c, err := Dial("ethereum", config.Endpoint{URL: srv.URL}, 0)
	require.NoError(t, err)
	ctx := context.Background()

	v, err := c.ReadContractValue(ctx, snxAddr, "totalSupply()")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000000", v)

	v, err = c.ReadContractValue(ctx, snxAddr, "balanceOf(address)", liqAddr)
	require.NoError(t, err)
	assert.Equal(t, "0", v)

	_, err = c.ReadContractValue(ctx, snxAddr, "totalEscrowedBalance()")
	kind, _ := source.KindOf(err)
	assert.Equal(t, source.KindNotFound, kind)

	_, err = c.ReadContractValue(ctx, snxAddr, "totalVestedBalance()")
	kind, _ = source.KindOf(err)
	assert.Equal(t, source.KindQuery, kind, "reverted call")

	// a revert still proves the node is reachable
	assert.Equal(t, StatusHealthy, c.Health().Status())
}

func TestUnreachableNodeIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	c, err := Dial("optimism", config.Endpoint{URL: srv.URL}, 0)
	require.NoError(t, err)

	_, err = c.ReadContractValue(context.Background(), snxAddr, "totalSupply()")
	assert.True(t, source.IsNetwork(err))

	srv.Close()
	_, err = c.ReadContractValue(context.Background(), snxAddr, "totalSupply()")
	assert.True(t, source.IsNetwork(err))

	snap := c.Health().Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, 2, snap.ConsecutiveErrors)
}

func TestPoolRoutesByNetwork(t *testing.T) {
	srv := node(t, map[string]string{calldata(t, "totalSupply()"): word("2a")})
	defer srv.Close()

	pool, err := DialPool(map[string]config.Network{
		"ethereum": {Primary: config.Endpoint{URL: srv.URL}},
		"optimism": {Backup: config.Endpoint{URL: srv.URL}},
	}, Primary)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ethereum"}, pool.Networks())

	v, err := pool.ReadContractValue(context.Background(), "ethereum", snxAddr, "totalSupply()")
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	_, err = pool.ReadContractValue(context.Background(), "optimism", snxAddr, "totalSupply()")
	kind, _ := source.KindOf(err)
	assert.Equal(t, source.KindNotFound, kind)
}

func TestReaderOverPool(t *testing.T) {
	srv := node(t, map[string]string{calldata(t, "totalSupply()"): word("de0b6b3a7640000")})
	defer srv.Close()
	pool, err := DialPool(map[string]config.Network{"ethereum": {Primary: config.Endpoint{URL: srv.URL}}}, Primary)
	require.NoError(t, err)

	r := source.NewReader(pool, nil, source.Registry{"ethereum": {"Synthetix": snxAddr}})
	v, err := r.Fetch(context.Background(), source.Ledger("ethereum", "Synthetix", "totalSupply()"))
	require.NoError(t, err)
	assert.Equal(t, "1", v.Decimal.String())
}
