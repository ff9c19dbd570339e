package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-ledger/internal/curation"
	"github.com/telhawk-systems/telhawk-ledger/internal/epoch"
	"github.com/telhawk-systems/telhawk-ledger/internal/facts"
	"github.com/telhawk-systems/telhawk-ledger/internal/idempotency"
	"github.com/telhawk-systems/telhawk-ledger/internal/ingest"
	"github.com/telhawk-systems/telhawk-ledger/internal/messaging"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/pool"
	"github.com/telhawk-systems/telhawk-ledger/internal/repository"
	"github.com/telhawk-systems/telhawk-ledger/internal/verify"
)

var april = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

type env struct {
	store  *repository.InMemoryRepository
	bus    *messaging.InMemoryClient
	runs   *idempotency.MemoryStore
	ledger *Ledger
	epochs *epoch.Service
	pool   *pool.Service
	dir    string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := repository.NewInMemoryRepository()
	cur := curation.NewService(store, nil)
	epochs := epoch.NewService(store, cur, nil)
	collector := ingest.NewCollector(store, facts.NewService(store, nil), cur, nil, ingest.Options{BatchSize: 10})
	dir := t.TempDir()
	collector.Register(ingest.NewFileAdapter(dir))
	bus := messaging.NewInMemoryClient()
	runs := idempotency.NewMemoryStore(time.Hour)
	return &env{
		store: store,
		bus:   bus,
		runs:  runs,
		ledger: NewLedger(Deps{
			Epochs:    epochs,
			Verifier:  verify.NewService(store, nil),
			Collector: collector,
			Runs:      runs,
			Bus:       bus,
		}),
		epochs: epochs,
		pool:   pool.NewService(store, nil),
		dir:    dir,
	}
}

func (e *env) openEpoch(t *testing.T) string {
	t.Helper()
	resp, err := e.epochs.Open(context.Background(), models.OpenEpochRequest{
		ScopeID: "acme", PeriodStart: april, PeriodEnd: april.AddDate(0, 1, 0),
		Policy: models.WeightPolicy{Version: "v1", Weights: map[string]int64{"review": 1000}},
	})
	require.NoError(t, err)
	return resp.Epoch.ID
}

func (e *env) subjects() []string {
	var out []string
	for _, m := range e.bus.Published() {
		out = append(out, m.Subject)
	}
	return out
}

func (e *env) writeFacts(t *testing.T, n int) {
	t.Helper()
	f, err := os.Create(filepath.Join(e.dir, "reviews.ndjson"))
	require.NoError(t, err)
	defer f.Close()
	enc := json.NewEncoder(f)
	for i := 0; i < n; i++ {
		require.NoError(t, enc.Encode(models.ActivityFact{
			Source: "gh", NativeKey: "r" + string(rune('0'+i)), Category: "review",
			PlatformUserID: "octo", ArtifactURL: "https://example.test/r",
			Payload: json.RawMessage(`{}`), ProducerName: "p", ProducerVersion: "1",
			EventTime: april.Add(time.Duration(i+1) * time.Hour), RetrievedAt: april,
		}))
	}
}

func TestFinalize_KeyedAndIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	id := e.openEpoch(t)

	_, err := e.ledger.Finalize(ctx, "close-april", id)
	assert.ErrorIs(t, err, models.ErrMissingBaseIssuance)
	assert.Empty(t, e.subjects())

	_, err = e.pool.RecordComponent(ctx, id, pool.BaseIssuance(100))
	require.NoError(t, err)

	first, err := e.ledger.Finalize(ctx, "close-april", id)
	require.NoError(t, err, "a failed run releases its key")
	assert.True(t, first.Closed)

	replay, err := e.ledger.Finalize(ctx, "close-april", id)
	require.NoError(t, err)
	assert.False(t, replay.Closed)
	assert.Equal(t, first.Statement.ID, replay.Statement.ID)

	other, err := e.ledger.Finalize(ctx, "", id)
	require.NoError(t, err)
	assert.False(t, other.Closed)
	assert.Equal(t, first.Statement.ID, other.Statement.ID)

	assert.Equal(t, []string{messaging.SubjectEpochsClosed}, e.subjects(), "one event per transition")
}

func TestFinalize_InFlightJoinsClose(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	id := e.openEpoch(t)

	_, claimed, err := e.runs.Begin(ctx, OpFinalize, "k")
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = e.ledger.Finalize(ctx, "k", id)
	assert.ErrorIs(t, err, models.ErrMissingBaseIssuance, "the joined close still enforces its preconditions")

	_, err = e.pool.RecordComponent(ctx, id, pool.BaseIssuance(100))
	require.NoError(t, err)

	res, err := e.ledger.Finalize(ctx, "k", id)
	require.NoError(t, err)
	require.NotNil(t, res.Statement)
	assert.Equal(t, int64(100), res.Statement.PoolTotal)
}

func TestFinalize_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	id := e.openEpoch(t)
	_, err := e.pool.RecordComponent(ctx, id, pool.BaseIssuance(100))
	require.NoError(t, err)

	// Hold the key so every caller takes the in-flight path.
	_, claimed, err := e.runs.Begin(ctx, OpFinalize, "epoch:"+id)
	require.NoError(t, err)
	require.True(t, claimed)

	const callers = 8
	results := make([]*epoch.CloseResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.ledger.Finalize(ctx, "", id)
		}(i)
	}
	wg.Wait()

	closed := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Statement.ID, results[i].Statement.ID)
		if results[i].Closed {
			closed++
		}
	}
	assert.Equal(t, 1, closed)
}

func TestCollectAndIngest(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.openEpoch(t)
	e.writeFacts(t, 3)
	req := models.CollectRequest{ScopeID: "acme", Adapter: "file", Streams: []string{"reviews"}}

	res, err := e.ledger.CollectAndIngest(ctx, "collect-1", req)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 3, res.Assigned)

	again, err := e.ledger.CollectAndIngest(ctx, "collect-1", req)
	require.NoError(t, err)
	assert.Equal(t, res, again)

	_, err = e.ledger.CollectAndIngest(ctx, "", req)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	require.Len(t, e.bus.Published(), 1)
	var ev messaging.FactsIngestedEvent
	require.NoError(t, json.Unmarshal(e.bus.Published()[0].Data, &ev))
	assert.Equal(t, "collect-1", ev.Key)
	assert.Equal(t, 3, ev.Inserted)
}

func TestVerifyPublishes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	id := e.openEpoch(t)
	_, err := e.pool.RecordComponent(ctx, id, pool.BaseIssuance(100))
	require.NoError(t, err)
	_, err = e.ledger.Finalize(ctx, "k", id)
	require.NoError(t, err)

	rep, err := e.ledger.Verify(ctx, id)
	require.NoError(t, err)
	assert.True(t, rep.Matches)
	assert.Contains(t, e.subjects(), messaging.SubjectVerificationCompleted)
}

func TestWorkers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	id := e.openEpoch(t)
	e.writeFacts(t, 2)
	_, _, err := curation.NewService(e.store, nil).BindIdentity(ctx, models.BindIdentityRequest{
		ScopeID: "acme", Source: "gh", PlatformUserID: "octo", SubjectID: "octo",
	})
	require.NoError(t, err)
	_, err = e.pool.RecordComponent(ctx, id, pool.BaseIssuance(10))
	require.NoError(t, err)

	subs, err := e.ledger.StartWorkers(e.bus)
	require.NoError(t, err)
	require.Len(t, subs, 3)

	require.NoError(t, messaging.PublishJSON(ctx, e.bus, messaging.SubjectJobsCollect, messaging.CollectJob{
		Key:     "job-collect",
		Request: models.CollectRequest{ScopeID: "acme", Adapter: "file", Streams: []string{"reviews"}},
	}))
	require.NoError(t, messaging.PublishJSON(ctx, e.bus, messaging.SubjectJobsFinalize, messaging.EpochJob{Key: "job-close", EpochID: id}))
	require.NoError(t, messaging.PublishJSON(ctx, e.bus, messaging.SubjectJobsVerify, messaging.EpochJob{EpochID: id}))

	closed, err := e.epochs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EpochClosed, closed.Status)
	st, err := e.epochs.Statement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), st.TotalUnits)

	_, claimed, err := e.runs.Begin(ctx, OpFinalize, "busy")
	require.NoError(t, err)
	require.True(t, claimed)
	assert.NoError(t, messaging.PublishJSON(ctx, e.bus, messaging.SubjectJobsFinalize, messaging.EpochJob{Key: "busy", EpochID: id}),
		"an in-flight key is not a job failure")

	err = e.bus.Publish(ctx, messaging.SubjectJobsFinalize, []byte("not json"))
	assert.ErrorContains(t, err, "decode finalize job")

	for _, s := range subs {
		require.NoError(t, s.Unsubscribe())
	}
}
