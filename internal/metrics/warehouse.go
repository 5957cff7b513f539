package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Synthetixio/snx-api/internal/aggregate"
	"github.com/Synthetixio/snx-api/internal/source"
)

func (s *Service) query(ctx context.Context, name, sql string, params ...any) ([]source.Row, error) {
	v, err := s.src.Fetch(ctx, source.Query(name, sql, params...))
	if err != nil {
		return nil, err
	}
	return v.Rows, nil
}

func firstRow(name string, rows []source.Row) (source.Row, error) {
	if len(rows) == 0 {
		return nil, source.NewNotFoundError("query "+name, errors.New("no rows"))
	}
	return rows[0], nil
}

type TVLResponse struct {
	Timestamp time.Time           `json:"timestamp"`
	TVL       decimal.NullDecimal `json:"tvl"`
}

type TopAssetResponse struct {
	Timestamp   time.Time           `json:"timestamp"`
	Chain       string              `json:"chain"`
	TokenSymbol string              `json:"token_symbol"`
	APR         decimal.NullDecimal `json:"apr"`
	APY         decimal.NullDecimal `json:"apy"`
}

type PerpsVolumeResponse struct {
	Timestamp time.Time       `json:"timestamp"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Volume7d  decimal.Decimal `json:"volume_7d"`
}

type PoolAPYResponse struct {
	APRPnl      decimal.NullDecimal `json:"aprPnl"`
	APRRewards  decimal.NullDecimal `json:"aprRewards"`
	APRCombined decimal.NullDecimal `json:"aprCombined"`
}

type VotesResponse struct {
	Spartan    []object `json:"spartan"`
	Ambassador []object `json:"ambassador"`
	Treasury   []object `json:"treasury"`
}

func (s *Service) tvl(ctx context.Context, _ Params) (any, error) {
	rows, err := s.query(ctx, "v3-tvl", tvlSQL)
	if err != nil {
		return nil, err
	}
	row, err := firstRow("v3-tvl", rows)
	if err != nil {
		return nil, err
	}
	tvl, err := aggregate.Column(row, "tvl", aggregate.NullPassthrough)
	if err != nil {
		return nil, err
	}
	return TVLResponse{Timestamp: s.now(), TVL: tvl}, nil
}

func (s *Service) topAsset(ctx context.Context, _ Params) (any, error) {
	rows, err := s.query(ctx, "v3-top-asset", topAssetSQL)
	if err != nil {
		return nil, err
	}
	row, err := firstRow("v3-top-asset", rows)
	if err != nil {
		return nil, err
	}
	apr, err := aggregate.Column(row, "apr", aggregate.NullPassthrough)
	if err != nil {
		return nil, err
	}
	apy, err := aggregate.Column(row, "apy", aggregate.NullPassthrough)
	if err != nil {
		return nil, err
	}
	return TopAssetResponse{
		Timestamp:   s.now(),
		Chain:       aggregate.Text(row, "chain"),
		TokenSymbol: aggregate.Text(row, "token_symbol"),
		APR:         apr,
		APY:         apy,
	}, nil
}

// perpsVolume reports zero for a window with no trades.
func (s *Service) perpsVolume(ctx context.Context, _ Params) (any, error) {
	rows, err := s.query(ctx, "perps-volume", perpsVolumeSQL)
	if err != nil {
		return nil, err
	}
	resp := PerpsVolumeResponse{Timestamp: s.now(), Volume24h: decimal.Zero, Volume7d: decimal.Zero}
	for _, row := range rows {
		v, err := aggregate.Column(row, "volume", aggregate.ZeroOnNull)
		if err != nil {
			return nil, err
		}
		switch aggregate.Text(row, "label") {
		case "volume_24h":
			resp.Volume24h = v.Decimal
		case "volume_7d":
			resp.Volume7d = v.Decimal
		}
	}
	return resp, nil
}

var tvl420Columns = []column{
	timestamp("ts", "ts"),
	num("value", "value", aggregate.NullPassthrough),
}

func (s *Service) tvl420(ctx context.Context, p Params) (any, error) {
	rows, err := s.query(ctx, "tvl420", tvl420SQL(p["network"], p["span"]))
	if err != nil {
		return nil, err
	}
	return mapRows(rows, tvl420Columns)
}

func (s *Service) poolAPY(chain string) func(context.Context, Params) (any, error) {
	return func(ctx context.Context, _ Params) (any, error) {
		rows, err := s.query(ctx, chain+"-sc-pool-apy", poolAPYSQL(chain))
		if err != nil {
			return nil, err
		}
		row, err := firstRow(chain+"-sc-pool-apy", rows)
		if err != nil {
			return nil, err
		}
		var resp PoolAPYResponse
		for _, c := range []struct {
			col string
			dst *decimal.NullDecimal
		}{
			{"apr_7d_pnl", &resp.APRPnl},
			{"apr_7d_rewards", &resp.APRRewards},
			{"apr_7d", &resp.APRCombined},
		} {
			if *c.dst, err = aggregate.Column(row, c.col, aggregate.NullPassthrough); err != nil {
				return nil, err
			}
		}
		return resp, nil
	}
}

// rateColumns expands apr/apy columns for every period with a suffix,
// e.g. apr_24h_pnl -> apr24hPnl.
func rateColumns(suffix string) []column {
	var out []column
	for _, period := range []string{"24h", "7d", "28d"} {
		for _, kind := range []string{"apr", "apy"} {
			from := kind + "_" + period
			if suffix != "" {
				from += "_" + suffix
			}
			to := kind + period + strings.TrimPrefix(camelCase("_"+suffix), "_")
			out = append(out, num(from, to, aggregate.NullPassthrough))
		}
	}
	return out
}

func aprRowColumns(incentives bool) []column {
	cols := []column{
		timestamp("ts", "timestamp"),
		integer("pool_id", "poolId"),
		text("collateral_type", "collateralType"),
		num("collateral_value", "collateralValue", aggregate.NullPassthrough),
		num("debt", "debtAmount", aggregate.NullPassthrough),
		num("hourly_issuance", "hourlyIssuance", aggregate.NullPassthrough),
		num("hourly_pnl", "hourlyPnl", aggregate.NullPassthrough),
		num("cumulative_pnl", "cumulativePnl", aggregate.NullPassthrough),
		num("cumulative_issuance", "cumulativeIssuance", aggregate.NullPassthrough),
		num("rewards_usd", "rewardsUSD", aggregate.NullPassthrough),
		num("hourly_pnl_pct", "hourlyPnlPct", aggregate.NullPassthrough),
		num("hourly_rewards_pct", "hourlyRewardsPct", aggregate.NullPassthrough),
	}
	cols = append(cols, rateColumns("")...)
	cols = append(cols, rateColumns("pnl")...)
	cols = append(cols, rateColumns("rewards")...)
	if incentives {
		cols = append(cols, rateColumns("incentive_rewards")...)
		cols = append(cols, rateColumns("performance")...)
	}
	// legacy field names kept for existing consumers
	return append(cols,
		num("apr_7d_pnl", "aprPnl", aggregate.NullPassthrough),
		num("apr_7d_rewards", "aprRewards", aggregate.NullPassthrough),
		num("apr_7d", "aprCombined", aggregate.NullPassthrough),
	)
}

var (
	aprHistoryColumns = aprRowColumns(false)
	aprAllColumns     = aprRowColumns(true)
)

// historyStride samples one hourly row per day.
const historyStride = 24

func (s *Service) poolAPYHistory(chain string) func(context.Context, Params) (any, error) {
	return func(ctx context.Context, _ Params) (any, error) {
		rows, err := s.query(ctx, chain+"-sc-pool-apy-history", poolAPYHistorySQL(chain))
		if err != nil {
			return nil, err
		}
		daily := make([]source.Row, 0, len(rows)/historyStride+1)
		for i := 0; i < len(rows); i += historyStride {
			daily = append(daily, rows[i])
		}
		return mapRows(daily, aprHistoryColumns)
	}
}

func (s *Service) poolAPYAll(chain string) func(context.Context, Params) (any, error) {
	return func(ctx context.Context, _ Params) (any, error) {
		rows, err := s.query(ctx, chain+"-sc-pool-apy-all", poolAPYAllSQL(chain))
		if err != nil {
			return nil, err
		}
		return mapRows(rows, aprAllColumns)
	}
}

// baseRewardsClaimed returns the bare total; an account without claims
// reports zero.
func (s *Service) baseRewardsClaimed(ctx context.Context, p Params) (any, error) {
	rows, err := s.query(ctx, "base-rewards-claimed", baseRewardsClaimedSQL, p["accountId"])
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return decimal.Zero, nil
	}
	total, err := aggregate.Column(rows[0], "total_amount_usd", aggregate.ZeroOnNull)
	if err != nil {
		return nil, err
	}
	return total.Decimal, nil
}

var (
	rewardsClaimedColumns = []column{
		text("collateral_type", "collateral_type"),
		num("total_amount_usd", "total_amount_usd", aggregate.ZeroOnNull),
	}
	issuedDebtColumns = []column{
		text("collateral_type", "collateral_type"),
		num("issuance", "issuance", aggregate.ZeroOnNull),
	}
)

func (s *Service) mainnetRewardsClaimed(ctx context.Context, p Params) (any, error) {
	rows, err := s.query(ctx, "mainnet-rewards-claimed", mainnetRewardsClaimedSQL, p["accountId"])
	if err != nil {
		return nil, err
	}
	return mapRows(rows, rewardsClaimedColumns)
}

func (s *Service) issuedDebt(ctx context.Context, p Params) (any, error) {
	rows, err := s.query(ctx, "mainnet-issued-debt", issuedDebtSQL, p["accountId"])
	if err != nil {
		return nil, err
	}
	return mapRows(rows, issuedDebtColumns)
}

var ltTradeColumns = []column{
	integer("block_number", "block_number"),
	timestamp("ts", "ts"),
	text("transaction_hash", "transaction_hash"),
	text("event_name", "event_name"),
	text("market", "market"),
	num("leverage", "leverage", aggregate.NullPassthrough),
	text("token", "token"),
	num("leveraged_token_amount", "leveraged_token_amount", aggregate.NullPassthrough),
	num("base_asset_amount", "base_asset_amount", aggregate.NullPassthrough),
}

// ltTrades lists the latest trades; filtered trades omit the account column.
func (s *Service) ltTrades(name string) func(context.Context, Params) (any, error) {
	return func(ctx context.Context, p Params) (any, error) {
		account := p["account"]
		if account != "" {
			rows, err := s.query(ctx, name, ltTradesSQL(true), account)
			if err != nil {
				return nil, err
			}
			return mapRows(rows, ltTradeColumns)
		}
		rows, err := s.query(ctx, name, ltTradesSQL(false))
		if err != nil {
			return nil, err
		}
		return mapRows(rows, append(ltTradeColumns[:len(ltTradeColumns):len(ltTradeColumns)], text("account", "account")))
	}
}

var ltLeaderboardColumns = []column{
	timestamp("epoch_start", "epoch_start"),
	text("account", "account"),
	num("total_fees_paid", "total_fees_paid", aggregate.NullPassthrough),
	num("fees_paid_pct", "fees_paid_pct", aggregate.NullPassthrough),
	integer("fees_rank", "fees_rank"),
	num("volume", "volume", aggregate.NullPassthrough),
	integer("volume_rank", "volume_rank"),
	num("volume_pct", "volume_pct", aggregate.NullPassthrough),
}

func (s *Service) ltLeaderboard(ctx context.Context, _ Params) (any, error) {
	rows, err := s.query(ctx, "base-lt-leaderboard", ltLeaderboardSQL)
	if err != nil {
		return nil, err
	}
	return mapRows(rows, ltLeaderboardColumns)
}

// buybackValue turns ts into epoch millis and numeric text into decimals.
func buybackValue(col string, v any) (any, bool, error) {
	if col == "ts" {
		t, err := aggregate.Timestamp(source.Row{col: v}, col)
		if err != nil {
			return nil, false, err
		}
		return t.UnixMilli(), true, nil
	}
	d, err := aggregate.ParseValue(v, aggregate.NullPassthrough)
	if err != nil {
		return nil, false, nil
	}
	return d, true, nil
}

func (s *Service) snxBuyback(ctx context.Context, _ Params) (any, error) {
	rows, err := s.query(ctx, "snx-buyback", snxBuybackSQL)
	if err != nil {
		return nil, err
	}
	out := make([]object, 0, len(rows))
	for _, row := range rows {
		o, err := camelRow(row, buybackValue)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func voteValue(col string, v any) (any, bool, error) {
	if v == nil {
		return nil, false, nil
	}
	switch col {
	case "block_timestamp":
		t, err := aggregate.Timestamp(source.Row{col: v}, col)
		if err != nil {
			return nil, false, err
		}
		return t.UnixMilli(), true, nil
	case "epoch_id", "chain_id":
		n, err := toInt(v)
		if err != nil {
			return nil, false, err
		}
		return n, true, nil
	}
	return nil, false, nil
}

// snaxVotes concatenates recorded then withdrawn votes per council.
func (s *Service) snaxVotes(ctx context.Context, _ Params) (any, error) {
	type result struct{ recorded, withdrawn []source.Row }
	results := make([]result, len(snaxCouncils))

	g, ctx := errgroup.WithContext(ctx)
	for i, council := range snaxCouncils {
		for _, event := range []string{"recorded", "withdrawn"} {
			i, council, event := i, council, event
			g.Go(func() error {
				rows, err := s.query(ctx, "snax-votes-"+council+"-"+event, snaxVotesSQL(council, event))
				if err != nil {
					return err
				}
				if event == "recorded" {
					results[i].recorded = rows
				} else {
					results[i].withdrawn = rows
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	lists := make([][]object, len(snaxCouncils))
	for i, r := range results {
		lists[i] = make([]object, 0, len(r.recorded)+len(r.withdrawn))
		for _, row := range append(r.recorded, r.withdrawn...) {
			o, err := camelRow(row, voteValue)
			if err != nil {
				return nil, err
			}
			lists[i] = append(lists[i], o)
		}
	}
	return VotesResponse{Spartan: lists[0], Ambassador: lists[1], Treasury: lists[2]}, nil
}

func (s *Service) warehouseMetrics() []*Metric {
	ms := []*Metric{
		{Name: "v3-tvl", Path: "/v3/tvl", TTL: time.Minute, Compute: s.tvl, Background: true},
		{Name: "v3-top-asset", Path: "/v3/top-asset", TTL: time.Minute, Compute: s.topAsset, Background: true},
		{Name: "perps-volume", Path: "/stats/perps-volume", TTL: time.Minute, Compute: s.perpsVolume, Background: true},
		{
			Name:       "tvl420-v2",
			Path:       "/v3/tvl420",
			TTL:        10 * time.Minute,
			Query:      []string{"network", "span"},
			Validate:   networkAndSpan,
			Compute:    s.tvl420,
			Background: true,
			Prefetch:   []Params{{"network": "cross", "span": "daily"}},
		},
		{Name: "sc-pool-apy", Path: "/v3/base/sc-pool-apy", TTL: time.Minute, Compute: s.poolAPY("base")},
		{
			Name: "sc-pool-apy-history", Path: "/v3/base/sc-pool-apy-history",
			TTL: 5 * time.Minute, Compute: s.poolAPYHistory("base"), Background: true,
		},
		{
			Name: "arbitrum-sc-pool-apy-history", Path: "/v3/arbitrum/sc-pool-apy-history",
			TTL: 5 * time.Minute, Compute: s.poolAPYHistory("arbitrum"), Background: true,
		},
		{
			Name: "base-rewards-claimed", Path: "/v3/base/rewards-claimed",
			TTL: 5 * time.Minute, Query: []string{"accountId"}, Validate: accountID, Compute: s.baseRewardsClaimed,
		},
		{
			Name: "mainnet-rewards-claimed", Path: "/v3/mainnet/rewards-claimed",
			TTL: 5 * time.Minute, Query: []string{"accountId"}, Validate: accountID, Compute: s.mainnetRewardsClaimed,
		},
		{
			Name: "mainnet-issued-debt", Path: "/v3/mainnet/issued-debt",
			TTL: 5 * time.Minute, Query: []string{"accountId"}, Validate: accountID, Compute: s.issuedDebt,
		},
		{
			Name: "base-lt-trades", Path: "/v3/base/lt-trades",
			TTL: time.Minute, Query: []string{"account"}, Validate: optionalAccount, Compute: s.ltTrades("base-lt-trades"),
		},
		{
			Name: "optimism-lt-trades", Path: "/v3/optimism/lt-trades",
			TTL: time.Minute, Query: []string{"account"}, Validate: optionalAccount, Compute: s.ltTrades("optimism-lt-trades"),
		},
		{
			Name: "base-lt-leaderboard", Path: "/v3/base/lt-leaderboard",
			TTL: 5 * time.Minute, Compute: s.ltLeaderboard, Background: true,
		},
		{Name: "snx-buyback", Path: "/v3/base/snx-buyback", TTL: time.Minute, Compute: s.snxBuyback},
		{
			Name: "snax-votes-mainnet", Path: "/v3/snax/votes",
			TTL: 5 * time.Minute, Compute: s.snaxVotes, Background: true,
		},
	}
	for _, chain := range []string{"base", "arbitrum", "mainnet"} {
		ms = append(ms, &Metric{
			Name:       chain + "-sc-pool-apy-all",
			Path:       "/v3/" + chain + "/sc-pool-apy-all",
			TTL:        5 * time.Minute,
			Compute:    s.poolAPYAll(chain),
			Background: true,
		})
	}
	return ms
}
