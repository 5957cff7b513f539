package failover

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Synthetixio/snx-api/internal/source"
)

type endpoint struct {
	name  string
	err   error
	value string
	calls *int
}

func call(_ context.Context, e endpoint) (string, error) {
	*e.calls++
	if e.err != nil {
		return "", e.err
	}
	return e.value, nil
}

func netErr(msg string) error {
	return source.NewNetworkError("test", errors.New(msg))
}

func TestDoPrimarySucceeds(t *testing.T) {
	calls := 0
	built := 0
	v, err := Do(context.Background(), "t", endpoint{value: "P", calls: &calls},
		func() (endpoint, error) { built++; return endpoint{calls: &calls}, nil }, call)
	require.NoError(t, err)
	assert.Equal(t, "P", v)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, built, "backup is built only after a network error")
}

func TestDoFailsOverOnNetworkError(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), "t",
		endpoint{name: "primary", err: netErr("connection refused"), calls: &calls},
		func() (endpoint, error) { return endpoint{name: "backup", value: "V", calls: &calls}, nil },
		call)
	require.NoError(t, err)
	assert.Equal(t, "V", v)
	assert.Equal(t, 2, calls)
}

func TestDoNeverRetriesTwice(t *testing.T) {
	calls := 0
	built := 0
	_, err := Do(context.Background(), "t",
		endpoint{err: netErr("primary down"), calls: &calls},
		func() (endpoint, error) {
			built++
			return endpoint{err: netErr("backup down"), calls: &calls}, nil
		},
		call)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, built)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.True(t, source.IsNetwork(err), "original classification stays in the chain")
}

func TestDoPropagatesNonNetworkErrors(t *testing.T) {
	testCases := []struct {
		name string
		err  error
	}{
		{"query error", source.NewQueryError("rpc", errors.New("execution reverted"))},
		{"not found", source.NewNotFoundError("registry", errors.New("unknown contract"))},
		{"unclassified", errors.New("boom")},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			built := 0
			_, err := Do(context.Background(), "t", endpoint{err: tc.err, calls: &calls},
				func() (endpoint, error) { built++; return endpoint{calls: &calls}, nil }, call)
			assert.Equal(t, tc.err, err)
			assert.Equal(t, 1, calls)
			assert.Equal(t, 0, built)
		})
	}
}

func TestDoBackupQueryErrorIsFinal(t *testing.T) {
	calls := 0
	queryErr := source.NewQueryError("rpc", errors.New("reverted"))
	_, err := Do(context.Background(), "t", endpoint{err: netErr("down"), calls: &calls},
		func() (endpoint, error) { return endpoint{err: queryErr, calls: &calls}, nil }, call)
	assert.Equal(t, queryErr, err)
	assert.Equal(t, 2, calls)
}

func TestDoWithoutBackup(t *testing.T) {
	calls := 0
	_, err := Do[endpoint, string](context.Background(), "t", endpoint{err: netErr("down"), calls: &calls}, nil, call)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, 1, calls)
}

func TestDoBackupFactoryError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), "t", endpoint{err: netErr("down"), calls: &calls},
		func() (endpoint, error) { return endpoint{}, errors.New("no backup url") }, call)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, 1, calls)
}

func TestDoCancelledContextSkipsBackup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Do(ctx, "t", endpoint{err: netErr("down"), calls: &calls},
		func() (endpoint, error) { return endpoint{value: "V", calls: &calls}, nil }, call)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestAttemptTransitions(t *testing.T) {
	var a Attempt
	assert.Equal(t, StatePrimary, a.State())
	assert.Equal(t, StateBackup, a.Record(netErr("x")))
	assert.Equal(t, StateFailed, a.Record(netErr("y")))
	assert.Equal(t, StateFailed, a.Record(nil), "terminal states are sticky")
	assert.Equal(t, 2, a.Calls())
	assert.ErrorIs(t, a.Err(), ErrSourceUnavailable)

	var b Attempt
	assert.Equal(t, StateSucceeded, b.Record(nil))
	assert.NoError(t, b.Err())
}

type countingLedger struct {
	err   error
	value string
	calls int
}

func (c *countingLedger) ReadContractValue(context.Context, string, string, string, ...string) (string, error) {
	c.calls++
	return c.value, c.err
}

func TestSourceFailsOverLedgerReads(t *testing.T) {
	registry := source.Registry{"ethereum": {"Synthetix": "0xsnx"}}
	primary := &countingLedger{err: errors.New("dial tcp: connection refused")}
	backup := &countingLedger{value: "2000000000000000000"}
	reader := source.NewReader(primary, nil, registry)

	s := &Source{
		Primary: reader,
		Backup:  func() (*source.Reader, error) { return reader.WithLedger(backup), nil },
	}
	v, err := s.Fetch(context.Background(), source.Ledger("ethereum", "Synthetix", "totalSupply()"))
	require.NoError(t, err)
	assert.Equal(t, "2", v.Decimal.String())
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, backup.calls)
}

type failingRunner struct{ calls int }

func (f *failingRunner) RunQuery(context.Context, string, ...any) ([]source.Row, error) {
	f.calls++
	return nil, errors.New("timeout")
}

func TestSourceWarehouseRunsOnce(t *testing.T) {
	runner := &failingRunner{}
	s := &Source{
		Primary: source.NewReader(nil, runner, nil),
		Backup:  func() (*source.Reader, error) { t.Fatal("backup must not be built"); return nil, nil },
	}
	_, err := s.Fetch(context.Background(), source.Query("tvl", "select 1"))
	require.Error(t, err)
	assert.Equal(t, 1, runner.calls)
}
