package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/history"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/records"
)

type fakeRemote struct {
	mu       sync.Mutex
	server   map[records.Variant][]records.Record
	listErr  error
	errs     []error
	attempts []int
	block    chan struct{}
}

func (f *fakeRemote) Submit(ctx context.Context, record records.Record, retryAttempt int) (SubmitResult, error) {
	f.mu.Lock()
	f.attempts = append(f.attempts, retryAttempt)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-ctx.Done():
			return SubmitResult{}, ctx.Err()
		case <-block:
		}
	}
	if err != nil {
		return SubmitResult{}, err
	}
	if retryAttempt > 0 {
		return SubmitResult{RetryIgnored: true}, nil
	}
	return SubmitResult{CalculationID: "srv-" + record.NaturalKey()}, nil
}

func (f *fakeRemote) ListRecords(_ context.Context, variant records.Variant) ([]records.Record, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.server[variant], nil
}

func (f *fakeRemote) recordedAttempts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.attempts...)
}

func newTestSession(t *testing.T, remote Remote, logger *zap.Logger) (*Session, *history.Store) {
	t.Helper()
	store, err := history.NewStore(history.StoreConfig{Backend: history.NewMemoryBackend(), Logger: logger})
	require.NoError(t, err)
	session, err := NewSession(SessionConfig{Store: store, Remote: remote, Logger: logger, RetryDelay: -1})
	require.NoError(t, err)
	return session, store
}

func receive(t *testing.T, outcomes <-chan SubmitOutcome) SubmitOutcome {
	t.Helper()
	select {
	case outcome, ok := <-outcomes:
		require.True(t, ok)
		_, open := <-outcomes
		assert.False(t, open, "outcome channel must close after one value")
		return outcome
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submission outcome")
		return SubmitOutcome{}
	}
}

func mapRun(createdAt int64, mapLabel string, tokens float64) records.Record {
	return records.Record{
		ID:        "local",
		Variant:   records.VariantMapRun,
		Payload:   map[string]any{"map": mapLabel, "tokensDropped": tokens},
		CreatedAt: createdAt,
	}
}

func TestAuthChangedReconcilesWithServer(t *testing.T) {
	remote := &fakeRemote{server: map[records.Variant][]records.Record{
		records.VariantMapRun: {mapRun(200, "large", 300)},
		records.VariantEquipmentBuild: {{
			ID: "b1", Variant: records.VariantEquipmentBuild, CreatedAt: 10,
			Payload: map[string]any{"luck": 5.0},
		}},
	}}
	session, store := newTestSession(t, remote, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Open(ctx, "u1"))
	require.NoError(t, store.Add(ctx, mapRun(100, "small", 40)))
	require.NoError(t, store.Add(ctx, mapRun(200, "large", 999)))
	require.NoError(t, store.Add(ctx, records.Record{
		ID: "b1", Variant: records.VariantEquipmentBuild, CreatedAt: 20,
		Payload: map[string]any{"luck": 1.0, "name": "Lucky"},
	}))
	require.NoError(t, store.Open(ctx, ""))

	results, err := session.AuthChanged(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "owner_u1", store.Bucket())

	runs := store.Records(records.VariantMapRun)
	require.Len(t, runs, 2)
	assert.Equal(t, int64(200), runs[0].CreatedAt)
	assert.Equal(t, 300.0, runs[0].Payload["tokensDropped"], "server wins map-run conflicts")
	assert.Equal(t, int64(100), runs[1].CreatedAt, "offline run is kept")
	require.Len(t, results[records.VariantMapRun].Conflicts, 1)
	assert.Equal(t, reconcile.StrategyServer, results[records.VariantMapRun].Conflicts[0].Strategy)

	builds := store.Records(records.VariantEquipmentBuild)
	require.Len(t, builds, 1)
	assert.Equal(t, int64(20), builds[0].CreatedAt)
	assert.Equal(t, 5.0, builds[0].Payload["luck"])
	assert.Equal(t, "Lucky", builds[0].Payload["name"])
}

func TestReconcileSkipsGuestBucket(t *testing.T) {
	remote := &fakeRemote{listErr: errors.New("must not be called")}
	session, store := newTestSession(t, remote, zap.NewNop())
	require.NoError(t, store.Open(context.Background(), ""))

	results, err := session.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestReconcileFetchFailureLeavesHistoryUntouched(t *testing.T) {
	remote := &fakeRemote{listErr: ErrServerUnavailable}
	session, store := newTestSession(t, remote, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, "u1"))
	require.NoError(t, store.Add(ctx, mapRun(100, "small", 40)))

	_, err := session.Reconcile(ctx)
	assert.ErrorIs(t, err, ErrServerUnavailable)
	assert.Len(t, store.Records(records.VariantMapRun), 1)
}

func TestRecordWritesLocallyThenSubmits(t *testing.T) {
	remote := &fakeRemote{}
	session, store := newTestSession(t, remote, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, "u1"))

	outcomes, err := session.Record(ctx, mapRun(100, "small", 40))
	require.NoError(t, err)
	assert.Len(t, store.Records(records.VariantMapRun), 1, "optimistic write is visible immediately")

	outcome := receive(t, outcomes)
	require.NoError(t, outcome.Err)
	assert.Equal(t, "srv-100", outcome.Result.CalculationID)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, []int{0}, remote.recordedAttempts())
}

func TestRecordRetriesCarryRetryAttempt(t *testing.T) {
	remote := &fakeRemote{errs: []error{ErrServerUnavailable}}
	session, store := newTestSession(t, remote, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, "u1"))

	outcomes, err := session.Record(ctx, mapRun(100, "small", 40))
	require.NoError(t, err)

	outcome := receive(t, outcomes)
	require.NoError(t, outcome.Err)
	assert.True(t, outcome.Result.RetryIgnored)
	assert.Equal(t, []int{0, 1}, remote.recordedAttempts())
}

func TestRecordStopsOnTerminalError(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	remote := &fakeRemote{errs: []error{&APIError{StatusCode: 400, Message: "bad"}}}
	session, store := newTestSession(t, remote, zap.New(core))
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, "u1"))

	outcomes, err := session.Record(ctx, mapRun(100, "small", 40))
	require.NoError(t, err)

	outcome := receive(t, outcomes)
	assert.ErrorIs(t, outcome.Err, ErrInvalidPayload)
	assert.Equal(t, []int{0}, remote.recordedAttempts())
	assert.Equal(t, 1, logs.FilterMessage("submission failed").Len())
}

func TestRecordGivesUpAfterMaxAttempts(t *testing.T) {
	remote := &fakeRemote{errs: []error{ErrServerUnavailable, ErrServerUnavailable, ErrServerUnavailable}}
	session, store := newTestSession(t, remote, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, "u1"))

	outcome := receive(t, mustRecord(t, session, ctx, mapRun(100, "small", 40)))
	assert.ErrorIs(t, outcome.Err, ErrServerUnavailable)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, []int{0, 1, 2}, remote.recordedAttempts())
	assert.Len(t, store.Records(records.VariantMapRun), 1, "local copy survives for the next reconciliation")
}

func TestRecordAbandonedOnCancel(t *testing.T) {
	remote := &fakeRemote{block: make(chan struct{})}
	session, store := newTestSession(t, remote, zap.NewNop())
	require.NoError(t, store.Open(context.Background(), "u1"))

	ctx, cancel := context.WithCancel(context.Background())
	outcomes := mustRecord(t, session, ctx, mapRun(100, "small", 40))
	cancel()

	outcome := receive(t, outcomes)
	assert.ErrorIs(t, outcome.Err, context.Canceled)
	assert.Equal(t, []int{0}, remote.recordedAttempts())
}

func TestRecordGuestStaysLocal(t *testing.T) {
	remote := &fakeRemote{}
	session, store := newTestSession(t, remote, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, ""))

	outcome := receive(t, mustRecord(t, session, ctx, mapRun(100, "small", 40)))
	assert.True(t, outcome.LocalOnly)
	assert.Empty(t, remote.recordedAttempts())
}

func TestNewSessionRequiresDependencies(t *testing.T) {
	_, err := NewSession(SessionConfig{Remote: &fakeRemote{}})
	assert.Error(t, err)
	store, err := history.NewStore(history.StoreConfig{Backend: history.NewMemoryBackend()})
	require.NoError(t, err)
	_, err = NewSession(SessionConfig{Store: store})
	assert.Error(t, err)
}

func mustRecord(t *testing.T, session *Session, ctx context.Context, record records.Record) <-chan SubmitOutcome {
	t.Helper()
	outcomes, err := session.Record(ctx, record)
	require.NoError(t, err)
	return outcomes
}
