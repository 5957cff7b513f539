package metrics

import "fmt"

// chainSchemas maps a route chain to its warehouse schema suffix.
var chainSchemas = map[string]string{
	"base":     "base_mainnet",
	"arbitrum": "arbitrum_mainnet",
	"mainnet":  "eth_mainnet",
	"ethereum": "eth_mainnet",
	"optimism": "optimism_mainnet",
	"cross":    "cross_chains",
}

func coreAPRTable(chain string) string {
	s := chainSchemas[chain]
	return fmt.Sprintf("prod_%s.fct_core_apr_%s", s, s)
}

func latestCollateral(chain, label string) string {
	return fmt.Sprintf(`SELECT '%s' AS chain,
        collateral_type,
        collateral_value,
        ts,
        ROW_NUMBER() OVER (PARTITION BY collateral_type ORDER BY ts DESC) AS rn
    FROM %s`, label, coreAPRTable(chain))
}

var tvlSQL = fmt.Sprintf(`SELECT round(sum(collateral_value), 2) AS tvl
FROM (
    %s
    UNION ALL
    %s
    UNION ALL
    %s
) sub
WHERE rn = 1`,
	latestCollateral("base", "base"),
	latestCollateral("mainnet", "ethereum"),
	latestCollateral("arbitrum", "arbitrum"))

func topAssetCTE(chain, label string) string {
	s := chainSchemas[chain]
	return fmt.Sprintf(`%s AS (
    SELECT '%s' AS chain,
        t.token_symbol,
        apr.apy_7d,
        apr.apr_7d,
        ROW_NUMBER() OVER (PARTITION BY collateral_type ORDER BY ts DESC) AS rn
    FROM %s apr
        JOIN prod_seeds.%s_tokens t ON lower(apr.collateral_type) = lower(t.token_address)
)`, chain, label, coreAPRTable(chain), s)
}

var topAssetSQL = fmt.Sprintf(`WITH %s,
%s,
%s,
combined AS (
    SELECT * FROM base WHERE rn = 1
    UNION ALL
    SELECT * FROM arbitrum WHERE rn = 1
    UNION ALL
    SELECT * FROM mainnet WHERE rn = 1
)
SELECT chain,
    token_symbol,
    round(apy_7d, 8) AS apy,
    round(apr_7d, 8) AS apr
FROM combined
ORDER BY apy_7d DESC
LIMIT 1`,
	topAssetCTE("base", "base"),
	topAssetCTE("arbitrum", "arbitrum"),
	topAssetCTE("mainnet", "ethereum"))

var perpsVolumeTables = []string{
	"prod_base_mainnet.fct_perp_stats_hourly_base_mainnet",
	"prod_arbitrum_mainnet.fct_perp_stats_hourly_arbitrum_mainnet",
	"prod_optimism_mainnet.fct_v2_stats_hourly_optimism_mainnet",
}

func perpsVolumeQuery() string {
	parts := ""
	windows := []struct{ label, interval string }{
		{"volume_24h", "24 HOURS"},
		{"volume_7d", "7 DAYS"},
	}
	for _, w := range windows {
		for _, table := range perpsVolumeTables {
			if parts != "" {
				parts += "\n    UNION ALL\n"
			}
			parts += fmt.Sprintf("    SELECT ts, '%s' AS label, volume FROM %s WHERE ts >= NOW() - INTERVAL '%s'",
				w.label, table, w.interval)
		}
	}
	return fmt.Sprintf(`WITH volume AS (
%s
)
SELECT label, round(SUM(volume), 2) AS volume
FROM volume
GROUP BY label`, parts)
}

var perpsVolumeSQL = perpsVolumeQuery()

// tvl420Windows bounds each span's lookback and row count.
var tvl420Windows = map[string]struct {
	Interval string
	Limit    int
}{
	"hourly":  {"7 days", 200},
	"daily":   {"2 months", 100},
	"weekly":  {"1 year", 100},
	"monthly": {"5 years", 100},
}

// tvl420SQL is only called with a validated network and span.
func tvl420SQL(network, span string) string {
	s := chainSchemas[network]
	w := tvl420Windows[span]
	return fmt.Sprintf(`SELECT t.ts, t.%s_cumulative_amount AS value
FROM prod_%s.fct_pol_stats_%s_%s t
WHERE t.ts >= NOW() - INTERVAL '%s'
LIMIT %d`, span, s, span, s, w.Interval, w.Limit)
}

func poolAPYSQL(chain string) string {
	return fmt.Sprintf(`SELECT ts, pool_id, collateral_type, apr_7d, apr_7d_pnl, apr_7d_rewards
FROM %s
WHERE pool_id = 1
ORDER BY ts DESC
LIMIT 1`, coreAPRTable(chain))
}

var aprColumns = `ts,
    pool_id,
    collateral_type,
    collateral_value,
    debt,
    hourly_issuance,
    hourly_pnl,
    cumulative_pnl,
    cumulative_issuance,
    rewards_usd,
    hourly_pnl_pct,
    hourly_rewards_pct,
    apr_24h, apy_24h, apr_7d, apy_7d, apr_28d, apy_28d,
    apr_24h_pnl, apy_24h_pnl, apr_7d_pnl, apy_7d_pnl, apr_28d_pnl, apy_28d_pnl,
    apr_24h_rewards, apy_24h_rewards, apr_7d_rewards, apy_7d_rewards, apr_28d_rewards, apy_28d_rewards`

var aprIncentiveColumns = `,
    apr_24h_incentive_rewards, apy_24h_incentive_rewards,
    apr_7d_incentive_rewards, apy_7d_incentive_rewards,
    apr_28d_incentive_rewards, apy_28d_incentive_rewards,
    apy_24h_performance, apr_24h_performance,
    apr_7d_performance, apy_7d_performance,
    apr_28d_performance, apy_28d_performance`

func poolAPYHistorySQL(chain string) string {
	return fmt.Sprintf(`SELECT %s
FROM %s
WHERE pool_id = 1
ORDER BY ts DESC
LIMIT 100000`, aprColumns, coreAPRTable(chain))
}

func poolAPYAllSQL(chain string) string {
	return fmt.Sprintf(`WITH latest_records AS (
    SELECT DISTINCT ON (collateral_type) %s%s
    FROM %s
    WHERE pool_id = 1
    ORDER BY collateral_type, ts DESC
)
SELECT * FROM latest_records
ORDER BY ts DESC`, aprColumns, aprIncentiveColumns, coreAPRTable(chain))
}

const (
	baseRewardsClaimedSQL = `SELECT SUM(CAST(amount_usd AS DECIMAL)) AS total_amount_usd
FROM prod_base_mainnet.fct_core_rewards_claimed_base_mainnet
WHERE account_id = $1`

	mainnetRewardsClaimedSQL = `SELECT collateral_type, SUM(CAST(amount_usd AS DECIMAL)) AS total_amount_usd
FROM prod_eth_mainnet.fct_core_rewards_claimed_eth_mainnet
WHERE account_id = $1
GROUP BY collateral_type`

	issuedDebtSQL = `SELECT collateral_type, SUM(CAST(amount AS DECIMAL)) AS issuance
FROM prod_eth_mainnet.fct_pool_issuance_eth_mainnet
WHERE account_id = $1
    AND pool_id = 1
GROUP BY collateral_type`

	ltTradesTable = "prod_optimism_mainnet.lt_trades_optimism_mainnet"

	ltLeaderboardSQL = `SELECT epoch_start, account, total_fees_paid, fees_paid_pct, fees_rank,
    volume, volume_rank, volume_pct
FROM prod_base_mainnet.lt_leaderboard
WHERE epoch_start > date '2025-01-14'`

	snxBuybackSQL = `SELECT ts, snx_amount, usd_amount, cumulative_snx_amount, cumulative_usd_amount
FROM prod_base_mainnet.fct_buyback_daily_base_mainnet`
)

const ltTradeSelect = `block_number, ts, transaction_hash, event_name, market, leverage, token,
    leveraged_token_amount, base_asset_amount`

func ltTradesSQL(byAccount bool) string {
	if byAccount {
		return fmt.Sprintf(`SELECT %s
FROM %s
WHERE account = $1
ORDER BY block_number DESC
LIMIT 100`, ltTradeSelect, ltTradesTable)
	}
	return fmt.Sprintf(`SELECT %s, account
FROM %s
ORDER BY block_number DESC
LIMIT 100`, ltTradeSelect, ltTradesTable)
}

var snaxCouncils = []string{"spartan", "ambassador", "treasury"}

func snaxVotesSQL(council, event string) string {
	return fmt.Sprintf("SELECT * FROM prod_raw_snax_mainnet.%s_vote_%s_snax_mainnet", council, event)
}
