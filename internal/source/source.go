// Package source reads raw values from the ledger (contract calls) and the
// warehouse (SQL) behind a single Fetch contract. It does no caching.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is the fixed-point precision of SNX-family tokens.
const DefaultDecimals = 18

type Kind string

const (
	KindNetwork  Kind = "network"
	KindQuery    Kind = "query"
	KindNotFound Kind = "not_found"
)

// SourceError classifies upstream failures. Only KindNetwork is eligible
// for failover.
type SourceError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

func NewNetworkError(op string, err error) *SourceError {
	return &SourceError{Kind: KindNetwork, Op: op, Err: err}
}

func NewQueryError(op string, err error) *SourceError {
	return &SourceError{Kind: KindQuery, Op: op, Err: err}
}

func NewNotFoundError(op string, err error) *SourceError {
	return &SourceError{Kind: KindNotFound, Op: op, Err: err}
}

// KindOf returns the kind of the first SourceError in err's chain.
func KindOf(err error) (Kind, bool) {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

func IsNetwork(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNetwork
}

// LedgerSpec names one read-only contract call.
type LedgerSpec struct {
	Network  string
	Contract string
	Method   string   // canonical signature, e.g. "balanceOf(address)"
	Args     []string // address arguments, hex encoded
}

func (s LedgerSpec) String() string {
	return fmt.Sprintf("%s:%s.%s", s.Network, s.Contract, s.Method)
}

// WarehouseSpec is one parameterized query. Name is used for logs and
// provenance in place of the SQL text.
type WarehouseSpec struct {
	Name   string
	SQL    string
	Params []any
}

// Spec holds exactly one of Ledger or Warehouse.
type Spec struct {
	Ledger    *LedgerSpec
	Warehouse *WarehouseSpec
}

func Ledger(network, contract, method string, args ...string) Spec {
	return Spec{Ledger: &LedgerSpec{Network: network, Contract: contract, Method: method, Args: args}}
}

func Query(name, sql string, params ...any) Spec {
	return Spec{Warehouse: &WarehouseSpec{Name: name, SQL: sql, Params: params}}
}

// Row is one warehouse row keyed by column name.
type Row = map[string]any

// Value is the result of one Fetch. Ledger reads fill Decimal; warehouse
// reads fill Rows. Source is the contract address or query name.
type Value struct {
	Decimal decimal.Decimal
	Rows    []Row
	Source  string
}

// LedgerReader performs a read-only contract call and returns the raw
// unsigned integer result in base 10.
type LedgerReader interface {
	ReadContractValue(ctx context.Context, network, address, method string, args ...string) (string, error)
}

// QueryRunner executes a parameterized query and returns rows verbatim.
type QueryRunner interface {
	RunQuery(ctx context.Context, sql string, params ...any) ([]Row, error)
}

// Registry maps network -> contract name -> address.
type Registry map[string]map[string]string

func (r Registry) Address(network, contract string) (string, bool) {
	addrs, ok := r[network]
	if !ok {
		return "", false
	}
	addr, ok := addrs[contract]
	return addr, ok && addr != ""
}

// Reader dispatches a Spec to the configured ledger or warehouse.
type Reader struct {
	ledger    LedgerReader
	warehouse QueryRunner
	contracts Registry
	decimals  int32
}

func NewReader(ledger LedgerReader, warehouse QueryRunner, contracts Registry) *Reader {
	return &Reader{
		ledger:    ledger,
		warehouse: warehouse,
		contracts: contracts,
		decimals:  DefaultDecimals,
	}
}

// WithLedger returns a copy of r that reads the ledger through l.
func (r *Reader) WithLedger(l LedgerReader) *Reader {
	cp := *r
	cp.ledger = l
	return &cp
}

// Contracts exposes the registry for response provenance.
func (r *Reader) Contracts() Registry { return r.contracts }

func (r *Reader) Fetch(ctx context.Context, spec Spec) (Value, error) {
	switch {
	case spec.Ledger != nil && spec.Warehouse == nil:
		return r.fetchLedger(ctx, *spec.Ledger)
	case spec.Warehouse != nil && spec.Ledger == nil:
		return r.fetchWarehouse(ctx, *spec.Warehouse)
	default:
		return Value{}, errors.New("source: spec must set exactly one of ledger or warehouse")
	}
}

func (r *Reader) fetchLedger(ctx context.Context, spec LedgerSpec) (Value, error) {
	op := spec.String()
	if r.ledger == nil {
		return Value{}, NewNotFoundError(op, errors.New("no ledger reader configured"))
	}
	addr, ok := r.contracts.Address(spec.Network, spec.Contract)
	if !ok {
		return Value{}, NewNotFoundError(op, fmt.Errorf("unknown contract %s on %s", spec.Contract, spec.Network))
	}
	args := make([]string, len(spec.Args))
	for i, a := range spec.Args {
		// arguments may name a registry contract instead of a raw address
		if resolved, ok := r.contracts.Address(spec.Network, a); ok {
			a = resolved
		}
		args[i] = a
	}
	raw, err := r.ledger.ReadContractValue(ctx, spec.Network, addr, spec.Method, args...)
	if err != nil {
		var se *SourceError
		if errors.As(err, &se) {
			return Value{}, err
		}
		return Value{}, NewNetworkError(op, err)
	}
	d, err := FromFixedPoint(raw, r.decimals)
	if err != nil {
		return Value{}, NewQueryError(op, err)
	}
	return Value{Decimal: d, Source: addr}, nil
}

func (r *Reader) fetchWarehouse(ctx context.Context, spec WarehouseSpec) (Value, error) {
	op := "query " + spec.Name
	if r.warehouse == nil {
		return Value{}, NewNotFoundError(op, errors.New("no warehouse configured"))
	}
	rows, err := r.warehouse.RunQuery(ctx, spec.SQL, spec.Params...)
	if err != nil {
		var se *SourceError
		if errors.As(err, &se) {
			return Value{}, err
		}
		return Value{}, NewQueryError(op, err)
	}
	return Value{Rows: rows, Source: spec.Name}, nil
}

// FromFixedPoint converts a base-10 integer string carrying decimals
// implied places into a decimal.
func FromFixedPoint(raw string, decimals int32) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, errors.New("empty fixed-point value")
	}
	if strings.ContainsAny(raw, ".eE") {
		return decimal.Zero, fmt.Errorf("fixed-point value %q is not an integer", raw)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fixed-point value %q: %w", raw, err)
	}
	return d.Shift(-decimals), nil
}
