// Package service exposes the ledger's state transitions as keyed,
// repeat-safe operations and publishes their outcomes on the message bus.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-ledger/internal/epoch"
	"github.com/telhawk-systems/telhawk-ledger/internal/idempotency"
	"github.com/telhawk-systems/telhawk-ledger/internal/ingest"
	"github.com/telhawk-systems/telhawk-ledger/internal/logging"
	"github.com/telhawk-systems/telhawk-ledger/internal/messaging"
	"github.com/telhawk-systems/telhawk-ledger/internal/metrics"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/verify"
)

// Operation names used as run-key namespaces.
const (
	OpCollect  = "collect"
	OpFinalize = "finalize"
)

// Ledger is the orchestration surface used by the HTTP API and job workers.
type Ledger struct {
	epochs    *epoch.Service
	verifier  *verify.Service
	collector *ingest.Collector
	runs      idempotency.Store
	bus       messaging.Publisher
	logger    *logging.Logger
}

// Deps wires a Ledger. Bus may be nil, in which case no events are published.
type Deps struct {
	Epochs    *epoch.Service
	Verifier  *verify.Service
	Collector *ingest.Collector
	Runs      idempotency.Store
	Bus       messaging.Publisher
	Logger    *logging.Logger
}

func NewLedger(d Deps) *Ledger {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if d.Runs == nil {
		d.Runs = idempotency.NewMemoryStore(24 * time.Hour)
	}
	return &Ledger{
		epochs:    d.Epochs,
		verifier:  d.Verifier,
		collector: d.Collector,
		runs:      d.Runs,
		bus:       d.Bus,
		logger:    d.Logger,
	}
}

// keyed runs fn at most once per (operation, key). A completed key replays
// the stored result. A key that is still running fails with ErrRunInFlight.
// A failed run releases its key so the caller may retry.
func keyed[T any](ctx context.Context, l *Ledger, op, key string, fn func(context.Context) (*T, error)) (*T, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, models.ErrInvalidRequest.WithDetail("a run key is required")
	}
	logger := l.logger.With(logging.RunKey(key), "operation", op)

	rec, claimed, err := l.runs.Begin(ctx, op, key)
	if err != nil {
		metrics.RunsTotal.WithLabelValues(op, "rejected").Inc()
		return nil, false, err
	}
	if !claimed {
		var out T
		if err := json.Unmarshal(rec.Result, &out); err != nil {
			return nil, false, fmt.Errorf("stored result for %s %s is unreadable: %w", op, key, err)
		}
		metrics.RunsTotal.WithLabelValues(op, "replayed").Inc()
		logger.DebugContext(ctx, "replaying completed run")
		return &out, true, nil
	}

	out, err := fn(ctx)
	if err != nil {
		if relErr := l.runs.Release(context.WithoutCancel(ctx), op, key); relErr != nil {
			logger.WarnContext(ctx, "failed to release run key", logging.Error(relErr))
		}
		metrics.RunsTotal.WithLabelValues(op, "failed").Inc()
		return nil, false, err
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, false, err
	}
	if err := l.runs.Complete(context.WithoutCancel(ctx), op, key, data); err != nil {
		logger.WarnContext(ctx, "failed to record run result", logging.Error(err))
	}
	metrics.RunsTotal.WithLabelValues(op, "completed").Inc()
	return out, false, nil
}

// CollectAndIngest runs a collection under key.
func (l *Ledger) CollectAndIngest(ctx context.Context, key string, req models.CollectRequest) (*models.CollectResult, error) {
	res, replayed, err := keyed(ctx, l, OpCollect, key, func(ctx context.Context) (*models.CollectResult, error) {
		return l.collector.Collect(ctx, req)
	})
	if err != nil || replayed {
		return res, err
	}
	l.publish(ctx, messaging.SubjectFactsIngested, messaging.FactsIngestedEvent{
		Key:      key,
		ScopeID:  req.ScopeID,
		Adapter:  res.Adapter,
		Inserted: res.Inserted,
		Skipped:  res.Skipped,
		Assigned: res.Assigned,
		At:       time.Now().UTC(),
	})
	return res, nil
}

// Finalize closes an epoch under key. An empty key defaults to one derived
// from the epoch id. A caller that finds the key in flight waits on the
// epoch lock and observes the statement the running close produced.
func (l *Ledger) Finalize(ctx context.Context, key, epochID string) (*epoch.CloseResult, error) {
	if key == "" {
		key = "epoch:" + epochID
	}
	start := time.Now()
	res, replayed, err := keyed(ctx, l, OpFinalize, key, func(ctx context.Context) (*epoch.CloseResult, error) {
		return l.epochs.Close(ctx, epochID)
	})
	if errors.Is(err, models.ErrRunInFlight) {
		l.logger.DebugContext(ctx, "finalize in flight, joining close", logging.RunKey(key), logging.EpochID(epochID))
		res, err = l.epochs.Close(ctx, epochID)
	}
	if err != nil {
		return nil, err
	}
	if replayed {
		// A replay never reports the transition a second time.
		res.Closed = false
		return res, nil
	}
	if res.Closed {
		st := res.Statement
		metrics.EpochsClosedTotal.Inc()
		metrics.CloseDuration.Observe(time.Since(start).Seconds())
		metrics.CreditsDistributedTotal.Add(float64(st.PoolTotal - st.UndistributedCredits))
		l.publish(ctx, messaging.SubjectEpochsClosed, messaging.EpochClosedEvent{
			Key:         key,
			ScopeID:     st.ScopeID,
			EpochID:     st.EpochID,
			StatementID: st.ID,
			PoolTotal:   st.PoolTotal,
			TotalUnits:  st.TotalUnits,
			ClosedAt:    st.CreatedAt,
		})
	}
	return res, nil
}

// Verify recomputes a closed epoch and publishes the outcome.
func (l *Ledger) Verify(ctx context.Context, epochID string) (*models.VerificationReport, error) {
	rep, err := l.verifier.Verify(ctx, epochID)
	if err != nil {
		metrics.VerificationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	outcome := "match"
	if !rep.Matches {
		outcome = "mismatch"
	}
	metrics.VerificationsTotal.WithLabelValues(outcome).Inc()
	l.publish(ctx, messaging.SubjectVerificationCompleted, messaging.VerificationCompletedEvent{
		EpochID:     rep.EpochID,
		StatementID: rep.StatementID,
		Matches:     rep.Matches,
		Diffs:       len(rep.Diffs),
		CheckedAt:   rep.CheckedAt,
	})
	return rep, nil
}

// publish is best effort. A failed publish is logged and dropped.
func (l *Ledger) publish(ctx context.Context, subject string, event any) {
	if l.bus == nil {
		return
	}
	if err := messaging.PublishJSON(ctx, l.bus, subject, event); err != nil {
		l.logger.WarnContext(ctx, "failed to publish event", "subject", subject, logging.Error(err))
	}
}
