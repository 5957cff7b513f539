// Command ledger-stub serves fixed contract balances over JSON-RPC so the
// API can run locally without a provider. Point MAIN_PROVIDER_URL and
// MAIN_OVM_PROVIDER_URL at it.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/Synthetixio/snx-api/internal/config"
	"github.com/Synthetixio/snx-api/internal/observ"
	"github.com/Synthetixio/snx-api/internal/source/ledger"
)

// Fixture is one canned contract read.
type Fixture struct {
	Contract string `yaml:"contract"`
	Method   string `yaml:"method"`
	Holder   string `yaml:"holder,omitempty"`
	Value    string `yaml:"value"`
}

var defaultFixtures = map[string][]Fixture{
	config.NetworkEthereum: {
		{Contract: "Synthetix", Method: "totalSupply()", Value: "328193422.12"},
		{Contract: "SynthetixEscrow", Method: "totalVestedBalance()", Value: "1200000"},
		{Contract: "RewardEscrow", Method: "totalEscrowedBalance()", Value: "450000.5"},
		{Contract: "RewardEscrowV2", Method: "totalEscrowedBalance()", Value: "78000000"},
		{Contract: "Synthetix", Method: "balanceOf(address)", Holder: "LiquidatorRewards", Value: "15000"},
		{Contract: "Synthetix", Method: "balanceOf(address)", Holder: "SynthetixBridgeEscrow", Value: "42000000"},
	},
	config.NetworkOptimism: {
		{Contract: "Synthetix", Method: "totalSupply()", Value: "0"},
		{Contract: "SynthetixEscrow", Method: "totalVestedBalance()", Value: "0"},
		{Contract: "RewardEscrowV2", Method: "totalEscrowedBalance()", Value: "21000000"},
		{Contract: "Synthetix", Method: "balanceOf(address)", Holder: "LiquidatorRewards", Value: "3000"},
	},
}

// table maps lowercase "to|calldata" to a 32-byte result word.
type table map[string]string

func buildTable(contracts map[string]string, fixtures []Fixture) (table, error) {
	t := table{}
	for _, f := range fixtures {
		to, ok := contracts[f.Contract]
		if !ok {
			return nil, fmt.Errorf("unknown contract %s", f.Contract)
		}
		var args []string
		if f.Holder != "" {
			holder, ok := contracts[f.Holder]
			if !ok {
				return nil, fmt.Errorf("unknown holder %s", f.Holder)
			}
			args = append(args, holder)
		}
		data, err := ledger.EncodeCall(f.Method, args...)
		if err != nil {
			return nil, err
		}
		word, err := fixedPointWord(f.Value)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", f.Contract, f.Method, err)
		}
		t[key(to, "0x"+hex.EncodeToString(data))] = word
	}
	return t, nil
}

func key(to, data string) string {
	return strings.ToLower(to) + "|" + strings.ToLower(data)
}

// fixedPointWord encodes a token amount with 18 decimals as a uint256 word.
func fixedPointWord(value string) (string, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return "", err
	}
	if d.IsNegative() {
		return "", fmt.Errorf("negative value %s", value)
	}
	n := d.Shift(18).BigInt()
	return fmt.Sprintf("0x%064x", n), nil
}

type node struct {
	network string
	table   table
	down    *atomic.Bool
}

func (n *node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if n.down.Load() {
		http.Error(w, "provider unavailable", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	req := gjson.ParseBytes(body)
	id := req.Get("id").Int()
	w.Header().Set("Content-Type", "application/json")

	switch req.Get("method").String() {
	case "eth_chainId":
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":"0x1"}`, id)
	case "eth_call":
		to := req.Get("params.0.to").String()
		data := req.Get("params.0.data").String()
		word, ok := n.table[key(to, data)]
		observ.Debug("eth_call", map[string]any{"network": n.network, "to": to, "hit": ok})
		if !ok {
			// an empty result is what a node returns for a non-contract address
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":"0x"}`, id)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%q}`, id, word)
	default:
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, id)
	}
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func serve(addr string, rpc http.Handler, down *atomic.Bool) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", health)
	// toggles simulated outages so the API's failover path can be exercised
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		down.Store(r.URL.Query().Get("on") != "false")
		fmt.Fprintf(w, "down=%t\n", down.Load())
	})
	mux.Handle("/", rpc)
	observ.Log("ledger_stub_listen", map[string]any{"addr": addr})
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			observ.Error("ledger_stub_serve_failed", err, map[string]any{"addr": addr})
			os.Exit(1)
		}
	}()
}

func loadFixtures(path string) (map[string][]Fixture, error) {
	if path == "" {
		return defaultFixtures, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string][]Fixture
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}

func main() {
	var fixturesPath, ethAddr, ovmAddr string
	var startDown bool
	flag.StringVar(&fixturesPath, "fixtures", "", "YAML file of network -> fixtures (defaults built in)")
	flag.StringVar(&ethAddr, "ethereum-addr", ":8545", "listen address for the ethereum node")
	flag.StringVar(&ovmAddr, "optimism-addr", ":8546", "listen address for the optimism node")
	flag.BoolVar(&startDown, "down", false, "start with both nodes answering 503")
	flag.Parse()

	fixtures, err := loadFixtures(fixturesPath)
	if err != nil {
		observ.Error("fixtures_load_failed", err, nil)
		os.Exit(1)
	}
	contracts := config.DefaultContracts()
	for network, addr := range map[string]string{config.NetworkEthereum: ethAddr, config.NetworkOptimism: ovmAddr} {
		t, err := buildTable(contracts[network], fixtures[network])
		if err != nil {
			observ.Error("fixtures_invalid", err, map[string]any{"network": network})
			os.Exit(1)
		}
		down := &atomic.Bool{}
		down.Store(startDown)
		serve(addr, &node{network: network, table: t, down: down}, down)
	}

	// block forever
	select {}
}
