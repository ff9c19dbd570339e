package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/telhawk-systems/telhawk-ledger/internal/logging"
	"github.com/telhawk-systems/telhawk-ledger/internal/messaging"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// StartWorkers subscribes the ledger's job handlers in the shared worker
// queue group. The caller unsubscribes the returned subscriptions on shutdown.
func (l *Ledger) StartWorkers(sub messaging.Subscriber) ([]messaging.Subscription, error) {
	handlers := []struct {
		subject string
		handler messaging.MessageHandler
	}{
		{messaging.SubjectJobsCollect, l.handleCollect},
		{messaging.SubjectJobsFinalize, l.handleFinalize},
		{messaging.SubjectJobsVerify, l.handleVerify},
	}

	subs := make([]messaging.Subscription, 0, len(handlers))
	for _, h := range handlers {
		s, err := sub.QueueSubscribe(h.subject, messaging.QueueLedgerWorkers, h.handler)
		if err != nil {
			for _, done := range subs {
				_ = done.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		subs = append(subs, s)
	}
	l.logger.Info("job workers started", "queue", messaging.QueueLedgerWorkers, "subjects", len(subs))
	return subs, nil
}

func (l *Ledger) handleCollect(ctx context.Context, msg *messaging.Message) error {
	var job messaging.CollectJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		return fmt.Errorf("decode collect job: %w", err)
	}
	_, err := l.CollectAndIngest(ctx, job.Key, job.Request)
	return l.jobResult(ctx, msg.Subject, job.Key, err)
}

func (l *Ledger) handleFinalize(ctx context.Context, msg *messaging.Message) error {
	var job messaging.EpochJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		return fmt.Errorf("decode finalize job: %w", err)
	}
	_, err := l.Finalize(ctx, job.Key, job.EpochID)
	return l.jobResult(ctx, msg.Subject, job.Key, err)
}

func (l *Ledger) handleVerify(ctx context.Context, msg *messaging.Message) error {
	var job messaging.EpochJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		return fmt.Errorf("decode verify job: %w", err)
	}
	_, err := l.Verify(ctx, job.EpochID)
	return l.jobResult(ctx, msg.Subject, job.Key, err)
}

// jobResult logs a failed job with its error kind. An in-flight collision is
// not a failure: the other worker owns the key.
func (l *Ledger) jobResult(ctx context.Context, subject, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrRunInFlight) {
		l.logger.DebugContext(ctx, "job already running elsewhere", "subject", subject, logging.RunKey(key))
		return nil
	}
	l.logger.ErrorContext(ctx, "job failed",
		"subject", subject, logging.RunKey(key),
		"kind", models.KindOf(err), "retryable", models.Retryable(err), logging.Error(err))
	return err
}
