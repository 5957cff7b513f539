package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Synthetixio/snx-api/internal/cache"
	"github.com/Synthetixio/snx-api/internal/config"
	"github.com/Synthetixio/snx-api/internal/source"
)

// fakeSource answers ledger specs by "net:Contract.method" (plus args) and
// warehouse specs by query name.
type fakeSource struct {
	mu      sync.Mutex
	ledger  map[string]string
	rows    map[string][]source.Row
	errs    map[string]error
	calls   map[string]int
	params  map[string][]any
	fetches int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		ledger: map[string]string{},
		rows:   map[string][]source.Row{},
		errs:   map[string]error{},
		calls:  map[string]int{},
		params: map[string][]any{},
	}
}

func ledgerKey(spec *source.LedgerSpec) string {
	k := spec.String()
	if len(spec.Args) > 0 {
		k += "(" + strings.Join(spec.Args, ",") + ")"
	}
	return k
}

func (f *fakeSource) Fetch(_ context.Context, spec source.Spec) (source.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if spec.Ledger != nil {
		k := ledgerKey(spec.Ledger)
		f.calls[k]++
		if err := f.errs[k]; err != nil {
			return source.Value{}, err
		}
		raw, ok := f.ledger[k]
		if !ok {
			return source.Value{}, source.NewNotFoundError(k, errors.New("no fixture"))
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return source.Value{}, err
		}
		addr, _ := source.Registry(config.DefaultContracts()).Address(spec.Ledger.Network, spec.Ledger.Contract)
		return source.Value{Decimal: d, Source: addr}, nil
	}
	name := spec.Warehouse.Name
	f.calls[name]++
	f.params[name] = spec.Warehouse.Params
	if err := f.errs[name]; err != nil {
		return source.Value{}, err
	}
	return source.Value{Rows: f.rows[name], Source: name}, nil
}

func (f *fakeSource) count(k string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[k]
}

func (f *fakeSource) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, src *fakeSource) (*Service, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testNow)
	gate := cache.NewGate(cache.NewMemoryStore(clock), cache.WithClock(clock))
	return NewService(gate, src, config.DefaultContracts(), WithClock(clock)), clock
}

func supplyFixtures(src *fakeSource) {
	src.ledger["ethereum:Synthetix.totalSupply()"] = "100"
	src.ledger["ethereum:SynthetixEscrow.totalVestedBalance()"] = "10"
	src.ledger["ethereum:RewardEscrow.totalEscrowedBalance()"] = "5"
	src.ledger["ethereum:RewardEscrowV2.totalEscrowedBalance()"] = "15"
	src.ledger["optimism:Synthetix.totalSupply()"] = "40"
	src.ledger["optimism:SynthetixEscrow.totalVestedBalance()"] = "2.5"
	src.ledger["optimism:RewardEscrowV2.totalEscrowedBalance()"] = "7.5"
}

func TestCirculatingSupply(t *testing.T) {
	src := newFakeSource()
	supplyFixtures(src)
	svc, _ := newTestService(t, src)

	b, err := svc.Handle(context.Background(), "circulating-supply", nil)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	// 100 - 10 - 5 - 15 - 2.5 - 7.5; optimism supply is reported only
	assert.Equal(t, "60", got["circulatingSupply"])
	assert.Equal(t, "40", got["OVMTotalSupply"])
	assert.Equal(t, "100", got["totalSupply"])

	contracts := got["contracts"].(map[string]any)
	eth := contracts["ethereum"].(map[string]any)
	assert.Equal(t, "0xC011a73ee8576Fb46F5E1c5751cA3B9Fe0af2a6F", eth["totalSupply"])
	op := contracts["optimism"].(map[string]any)
	assert.Equal(t, "0x8700dAec35aF8Ff88c16BdF0418774CB3D7599B4", op["OVMTotalSupply"])
}

func TestCirculatingSupplyKeepsFullPrecision(t *testing.T) {
	src := newFakeSource()
	supplyFixtures(src)
	src.ledger["ethereum:Synthetix.totalSupply()"] = "328193422.123456789012345678"
	src.ledger["ethereum:SynthetixEscrow.totalVestedBalance()"] = "0.000000000000000001"
	svc, _ := newTestService(t, src)

	b, err := svc.Handle(context.Background(), "circulating-supply", nil)
	require.NoError(t, err)

	var got struct {
		CirculatingSupply decimal.Decimal `json:"circulatingSupply"`
	}
	require.NoError(t, json.Unmarshal(b, &got))
	want := decimal.RequireFromString("328193422.123456789012345678").
		Sub(decimal.RequireFromString("0.000000000000000001")).
		Sub(decimal.NewFromInt(30))
	assert.True(t, want.Equal(got.CirculatingSupply), "got %s want %s", got.CirculatingSupply, want)
}

func TestCirculatingSupplyAbortsOnFailedTerm(t *testing.T) {
	src := newFakeSource()
	supplyFixtures(src)
	src.errs["optimism:RewardEscrowV2.totalEscrowedBalance()"] = source.NewNetworkError("rpc", errors.New("connection reset"))
	svc, _ := newTestService(t, src)

	_, err := svc.Handle(context.Background(), "circulating-supply", nil)
	require.Error(t, err)
	assert.True(t, source.IsNetwork(err))

	// nothing was cached, the next call fetches again
	delete(src.errs, "optimism:RewardEscrowV2.totalEscrowedBalance()")
	_, err = svc.Handle(context.Background(), "circulating-supply", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, src.count("ethereum:Synthetix.totalSupply()"))
}

func TestHandleServesFromCacheWithinTTL(t *testing.T) {
	src := newFakeSource()
	supplyFixtures(src)
	svc, clock := newTestService(t, src)
	ctx := context.Background()

	first, err := svc.Handle(ctx, "total-supply", nil)
	require.NoError(t, err)
	fetched := src.total()
	assert.Equal(t, 2, fetched)

	clock.Advance(30 * time.Second)
	second, err := svc.Handle(ctx, "total-supply", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, fetched, src.total(), "cached call must not fetch")

	clock.Advance(31 * time.Second)
	_, err = svc.Handle(ctx, "total-supply", nil)
	require.NoError(t, err)
	assert.Equal(t, 2*fetched, src.total())
}

func TestLiquidatorRewardsReportsHolderAddress(t *testing.T) {
	src := newFakeSource()
	// holders arrive as registry names; the reader resolves them
	src.ledger["ethereum:Synthetix.balanceOf(address)(LiquidatorRewards)"] = "12"
	src.ledger["optimism:Synthetix.balanceOf(address)(LiquidatorRewards)"] = "3"
	svc, _ := newTestService(t, src)

	b, err := svc.Handle(context.Background(), "liquidatorRewards-balance", nil)
	require.NoError(t, err)

	var got LiquidatorRewardsResponse
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "12", got.LiquidatorRewardsBalance.String())
	assert.Equal(t, "3", got.OVMLiquidatorRewardsBalance.String())
	assert.Equal(t, "0xf79603a71144e415730C1A6f57F366E4Ea962C00", got.Contracts["ethereum"]["liquidatorRewardsBalance"])
}

func TestCheckHealth(t *testing.T) {
	src := newFakeSource()
	supplyFixtures(src)
	svc, _ := newTestService(t, src)

	require.NoError(t, svc.CheckHealth(context.Background()))
	require.NoError(t, svc.CheckHealth(context.Background()))
	assert.Equal(t, 2*len(healthTerms), src.total(), "health reads are never cached")

	src.errs["ethereum:RewardEscrow.totalEscrowedBalance()"] = source.NewQueryError("rpc", errors.New("execution reverted"))
	assert.Error(t, svc.CheckHealth(context.Background()))
}

func TestAccountValidationRunsBeforeFetch(t *testing.T) {
	src := newFakeSource()
	src.rows["base-rewards-claimed"] = []source.Row{{"total_amount_usd": []byte("42.5")}}
	svc, _ := newTestService(t, src)
	ctx := context.Background()

	for _, bad := range []string{"12a", "", "-1", "1.5"} {
		_, err := svc.Handle(ctx, "base-rewards-claimed", Params{"accountId": bad})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, "accountId %q", bad)
		assert.Equal(t, "accountId", verr.Param)
	}
	assert.Zero(t, src.total())

	b, err := svc.Handle(ctx, "base-rewards-claimed", Params{"accountId": "123"})
	require.NoError(t, err)
	assert.JSONEq(t, `"42.5"`, string(b))
	assert.Equal(t, []any{"123"}, src.params["base-rewards-claimed"])

	// CR/LF are stripped before matching
	_, err = svc.Handle(ctx, "base-rewards-claimed", Params{"accountId": "123\r\n"})
	require.NoError(t, err)
	assert.Equal(t, 1, src.count("base-rewards-claimed"))
}

func TestKeysEmbedParameters(t *testing.T) {
	svc, _ := newTestService(t, newFakeSource())

	a, _, err := svc.Key("mainnet-issued-debt", Params{"accountId": "1"})
	require.NoError(t, err)
	b, _, err := svc.Key("mainnet-issued-debt", Params{"accountId": "2"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	plain, _, err := svc.Key("total-supply", Params{"ignored": "x"})
	require.NoError(t, err)
	assert.Equal(t, "total-supply", plain)

	_, _, err = svc.Key("no-such-metric", nil)
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestRewardsClaimedWithoutClaimsIsZero(t *testing.T) {
	src := newFakeSource()
	src.rows["base-rewards-claimed"] = []source.Row{{"total_amount_usd": nil}}
	svc, _ := newTestService(t, src)

	b, err := svc.Handle(context.Background(), "base-rewards-claimed", Params{"accountId": "7"})
	require.NoError(t, err)
	assert.JSONEq(t, `"0"`, string(b))
}

func TestTVL420(t *testing.T) {
	src := newFakeSource()
	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	src.rows["tvl420"] = []source.Row{
		{"ts": ts, "value": []byte("1234.50")},
		{"ts": ts.Add(24 * time.Hour), "value": nil},
	}
	svc, _ := newTestService(t, src)
	ctx := context.Background()

	_, err := svc.Handle(ctx, "tvl420-v2", Params{"network": "base", "span": "daily"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Invalid network or span.", verr.Message)

	b, err := svc.Handle(ctx, "tvl420-v2", Params{"network": "cross", "span": "daily"})
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"ts":"2024-05-01T00:00:00Z","value":"1234.5"},
		{"ts":"2024-05-02T00:00:00Z","value":null}
	]`, string(b))
}

func TestPerpsVolumeDefaultsMissingWindowToZero(t *testing.T) {
	src := newFakeSource()
	src.rows["perps-volume"] = []source.Row{{"label": "volume_7d", "volume": []byte("9000.12")}}
	svc, _ := newTestService(t, src)

	b, err := svc.Handle(context.Background(), "perps-volume", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":"2024-06-01T12:00:00Z","volume_24h":"0","volume_7d":"9000.12"}`, string(b))
}

func TestTopAssetWithoutRowsFails(t *testing.T) {
	svc, _ := newTestService(t, newFakeSource())
	_, err := svc.Handle(context.Background(), "v3-top-asset", nil)
	kind, ok := source.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, source.KindNotFound, kind)
}

func TestNonNumericColumnFails(t *testing.T) {
	src := newFakeSource()
	src.rows["mainnet-issued-debt"] = []source.Row{{"collateral_type": "0xabc", "issuance": []byte("n/a")}}
	svc, _ := newTestService(t, src)

	_, err := svc.Handle(context.Background(), "mainnet-issued-debt", Params{"accountId": "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issuance")
}

func TestPoolAPYHistorySamplesDaily(t *testing.T) {
	src := newFakeSource()
	var rows []source.Row
	for i := 0; i < 50; i++ {
		row := source.Row{}
		for _, c := range aprHistoryColumns {
			row[c.From] = nil
		}
		row["ts"] = testNow.Add(-time.Duration(i) * time.Hour)
		row["pool_id"] = int64(1)
		row["collateral_type"] = "0xsnx"
		row["apr_7d"] = []byte("0.12")
		row["apr_7d_pnl"] = []byte("0.10")
		row["apr_7d_rewards"] = []byte("0.02")
		rows = append(rows, row)
	}
	src.rows["base-sc-pool-apy-history"] = rows
	svc, _ := newTestService(t, src)

	b, err := svc.Handle(context.Background(), "sc-pool-apy-history", nil)
	require.NoError(t, err)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	require.Len(t, got, 3)
	assert.Equal(t, "2024-06-01T12:00:00Z", got[0]["timestamp"])
	assert.Equal(t, "2024-05-31T12:00:00Z", got[1]["timestamp"])
	assert.Equal(t, float64(1), got[0]["poolId"])
	assert.Equal(t, "0.12", got[0]["apr7d"])
	assert.Equal(t, "0.12", got[0]["aprCombined"])
	assert.Equal(t, "0.1", got[0]["aprPnl"])
	assert.Nil(t, got[0]["apy28dRewards"])
}

func TestLTTradesAccountFilter(t *testing.T) {
	src := newFakeSource()
	src.rows["base-lt-trades"] = []source.Row{{
		"block_number": int64(120), "ts": testNow, "transaction_hash": "0xdead",
		"event_name": "Minted", "market": "ETH", "leverage": []byte("3"), "token": "ETH3L",
		"leveraged_token_amount": []byte("1.5"), "base_asset_amount": []byte("0.5"),
	}}
	svc, _ := newTestService(t, src)
	ctx := context.Background()

	_, err := svc.Handle(ctx, "base-lt-trades", Params{"account": "zz"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	acct := "ab5801a7d398351b8be11c439e05c5b3259aec9b"
	b, err := svc.Handle(ctx, "base-lt-trades", Params{"account": acct})
	require.NoError(t, err)
	assert.Equal(t, []any{"0x" + acct}, src.params["base-lt-trades"])

	var got []map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	require.Len(t, got, 1)
	assert.NotContains(t, got[0], "account")
	assert.Equal(t, float64(120), got[0]["block_number"])

	// the 0x form shares the cache entry
	_, err = svc.Handle(ctx, "base-lt-trades", Params{"account": "0x" + acct})
	require.NoError(t, err)
	assert.Equal(t, 1, src.count("base-lt-trades"))
}

func TestSnaxVotes(t *testing.T) {
	src := newFakeSource()
	block := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	src.rows["snax-votes-spartan-recorded"] = []source.Row{{
		"block_timestamp": block, "epoch_id": []byte("3"), "chain_id": "2192", "voter": "0x1",
	}}
	src.rows["snax-votes-spartan-withdrawn"] = []source.Row{{
		"block_timestamp": block.Add(time.Hour), "epoch_id": int64(3), "chain_id": int64(2192), "voter": "0x2",
	}}
	svc, _ := newTestService(t, src)

	b, err := svc.Handle(context.Background(), "snax-votes-mainnet", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"spartan": [
			{"blockTimestamp": 1725148800000, "chainId": 2192, "epochId": 3, "voter": "0x1"},
			{"blockTimestamp": 1725152400000, "chainId": 2192, "epochId": 3, "voter": "0x2"}
		],
		"ambassador": [],
		"treasury": []
	}`, string(b))
}

func TestSnxBuybackCamelCase(t *testing.T) {
	src := newFakeSource()
	src.rows["snx-buyback"] = []source.Row{{
		"ts": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "snx_amount": []byte("10.5"),
		"usd_amount": []byte("30"), "cumulative_snx_amount": nil, "cumulative_usd_amount": []byte("30"),
	}}
	svc, _ := newTestService(t, src)

	b, err := svc.Handle(context.Background(), "snx-buyback", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[{
		"cumulativeSnxAmount": null, "cumulativeUsdAmount": "30",
		"snxAmount": "10.5", "ts": 1704067200000, "usdAmount": "30"
	}]`, string(b))
}

func TestWarehouseErrorsAreNotCached(t *testing.T) {
	src := newFakeSource()
	src.errs["v3-tvl"] = source.NewQueryError("query v3-tvl", errors.New("relation does not exist"))
	svc, _ := newTestService(t, src)
	ctx := context.Background()

	_, err := svc.Handle(ctx, "v3-tvl", nil)
	require.Error(t, err)

	delete(src.errs, "v3-tvl")
	src.rows["v3-tvl"] = []source.Row{{"tvl": []byte("123456.78")}}
	b, err := svc.Handle(ctx, "v3-tvl", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":"2024-06-01T12:00:00Z","tvl":"123456.78"}`, string(b))
}

func TestBackgroundJobs(t *testing.T) {
	svc, _ := newTestService(t, newFakeSource())

	names := map[string]bool{}
	for _, j := range svc.BackgroundJobs() {
		names[j.String()] = true
	}
	assert.True(t, names["tvl420-v2 network=cross span=daily"])
	assert.True(t, names["v3-tvl"])
	assert.True(t, names["snax-votes-mainnet"])
	assert.False(t, names["total-supply"])
	assert.False(t, names["base-rewards-claimed"])
}

func TestRefreshReplacesEntry(t *testing.T) {
	src := newFakeSource()
	src.rows["v3-tvl"] = []source.Row{{"tvl": []byte("1")}}
	svc, _ := newTestService(t, src)
	ctx := context.Background()

	_, err := svc.Handle(ctx, "v3-tvl", nil)
	require.NoError(t, err)

	src.rows["v3-tvl"] = []source.Row{{"tvl": []byte("2")}}
	require.NoError(t, svc.Refresh(ctx, "v3-tvl", nil))

	b, err := svc.Handle(ctx, "v3-tvl", nil)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"tvl":"2"`)
	assert.Equal(t, 2, src.count("v3-tvl"))
}

func TestCamelCase(t *testing.T) {
	for in, want := range map[string]string{
		"block_timestamp":   "blockTimestamp",
		"apr_24h":           "apr_24h",
		"cumulative-usd":    "cumulativeUsd",
		"ts":                "ts",
		"trailing_":         "trailing_",
		"incentive_rewards": "incentiveRewards",
	} {
		assert.Equal(t, want, camelCase(in), in)
	}
}
