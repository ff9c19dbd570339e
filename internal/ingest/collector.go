package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/telhawk-ledger/internal/curation"
	"github.com/telhawk-systems/telhawk-ledger/internal/facts"
	"github.com/telhawk-systems/telhawk-ledger/internal/logging"
	"github.com/telhawk-systems/telhawk-ledger/internal/metrics"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/repository"
)

// Options tune a Collector.
type Options struct {
	BatchSize   int
	Concurrency int
}

func DefaultOptions() Options {
	return Options{BatchSize: 500, Concurrency: 4}
}

// Collector drives adapters. For every batch it writes the facts, assigns
// them to the open epoch covering their event time, and saves the stream
// cursor, all in one transaction.
type Collector struct {
	store    repository.Store
	facts    *facts.Service
	curation *curation.Service
	logger   *logging.Logger
	opts     Options

	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewCollector(store repository.Store, factSvc *facts.Service, curationSvc *curation.Service, logger *logging.Logger, opts Options) *Collector {
	if logger == nil {
		logger = logging.Discard()
	}
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	return &Collector{
		store:    store,
		facts:    factSvc,
		curation: curationSvc,
		logger:   logger,
		opts:     opts,
		adapters: make(map[string]Adapter),
	}
}

// Register makes an adapter available under its name.
func (c *Collector) Register(a Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[a.Name()] = a
}

func (c *Collector) Adapter(name string) (Adapter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.adapters[name]
	return a, ok
}

// Adapters returns the registered adapter names, sorted.
func (c *Collector) Adapters() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.adapters))
	for n := range c.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Collect runs one adapter over the requested streams until each reports Done.
func (c *Collector) Collect(ctx context.Context, req models.CollectRequest) (*models.CollectResult, error) {
	if req.ScopeID == "" {
		return nil, models.ErrInvalidRequest.WithDetail("scope_id is required")
	}
	if len(req.Streams) == 0 {
		return nil, models.ErrInvalidRequest.WithDetail("at least one stream is required")
	}
	adapter, ok := c.Adapter(req.Adapter)
	if !ok {
		return nil, models.ErrInvalidRequest.WithDetail("unknown adapter %q", req.Adapter)
	}

	start := time.Now()
	logger := c.logger.With(logging.Adapter(adapter.Name()), logging.Scope(req.ScopeID))
	result := &models.CollectResult{Adapter: adapter.Name()}
	for _, stream := range req.Streams {
		if err := c.collectStream(ctx, adapter, req, stream, result); err != nil {
			metrics.CollectErrorsTotal.WithLabelValues(adapter.Name()).Inc()
			logger.ErrorContext(ctx, "collection failed", "stream", stream, logging.Error(err))
			return result, fmt.Errorf("collect %s/%s: %w", adapter.Name(), stream, err)
		}
	}
	logger.InfoContext(ctx, "collection finished",
		"batches", result.Batches, "inserted", result.Inserted, "skipped", result.Skipped,
		"assigned", result.Assigned, logging.Duration(time.Since(start)))
	return result, nil
}

func (c *Collector) collectStream(ctx context.Context, adapter Adapter, req models.CollectRequest, stream string, result *models.CollectResult) error {
	cursor, err := c.store.GetCursor(ctx, req.ScopeID, adapter.Name(), stream)
	position := ""
	switch {
	case err == nil:
		position = cursor.Cursor
	case !errors.Is(err, models.ErrCursorNotFound):
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := adapter.Fetch(ctx, FetchRequest{
			ScopeID:     req.ScopeID,
			Stream:      stream,
			Cursor:      position,
			WindowStart: req.WindowStart,
			WindowEnd:   req.WindowEnd,
			Limit:       c.opts.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		if len(batch.Facts) == 0 && batch.Cursor == position {
			return nil
		}

		for _, f := range batch.Facts {
			if f.ScopeID == "" {
				f.ScopeID = req.ScopeID
			}
			if f.ScopeID != req.ScopeID {
				return models.ErrInvalidFact.WithDetail("adapter returned fact for scope %s", f.ScopeID)
			}
		}
		prepared, err := c.facts.Prepare(batch.Facts)
		if err != nil {
			return err
		}

		var written *models.BatchResult
		assigned := 0
		err = c.store.WithTx(ctx, func(tx repository.Tx) error {
			var err error
			written, err = c.facts.InsertPrepared(ctx, tx, prepared)
			if err != nil {
				return err
			}
			assigned, err = c.assignToOpenEpoch(ctx, tx, req.ScopeID, prepared)
			if err != nil {
				return err
			}
			return tx.SaveCursor(ctx, &models.SourceCursor{
				ScopeID:   req.ScopeID,
				Adapter:   adapter.Name(),
				Stream:    stream,
				Cursor:    batch.Cursor,
				UpdatedAt: time.Now().UTC(),
			})
		})
		if err != nil {
			return err
		}

		result.Batches++
		result.Inserted += written.Inserted
		result.Skipped += written.Skipped
		result.Assigned += assigned
		metrics.CollectBatchesTotal.WithLabelValues(adapter.Name()).Inc()
		metrics.FactsIngestedTotal.WithLabelValues(adapter.Name(), "inserted").Add(float64(written.Inserted))
		metrics.FactsIngestedTotal.WithLabelValues(adapter.Name(), "skipped").Add(float64(written.Skipped))

		position = batch.Cursor
		if batch.Done {
			return nil
		}
	}
}

// assignToOpenEpoch assigns facts whose event time falls in the scope's open
// epoch. Facts outside it, or already in another epoch, are left alone.
func (c *Collector) assignToOpenEpoch(ctx context.Context, tx repository.Tx, scopeID string, batch []*models.ActivityFact) (int, error) {
	if c.curation == nil || len(batch) == 0 {
		return 0, nil
	}
	open, err := tx.GetOpenEpoch(ctx, scopeID)
	if errors.Is(err, models.ErrEpochNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	epoch, err := tx.LockEpoch(ctx, open.ID)
	if err != nil {
		return 0, err
	}
	if !epoch.IsOpen() {
		return 0, nil
	}

	assigned := 0
	for _, f := range batch {
		if f.EventTime.Before(epoch.PeriodStart) || !f.EventTime.Before(epoch.PeriodEnd) {
			continue
		}
		// Checked up front: a unique violation would abort the transaction.
		if _, err := tx.GetCurationEntryByFact(ctx, scopeID, f.ID); err == nil {
			continue
		} else if !errors.Is(err, models.ErrCurationNotFound) {
			return 0, err
		}
		created, err := c.curation.AssignTx(ctx, tx, epoch, f.ID)
		if err != nil {
			return 0, err
		}
		if created {
			assigned++
		}
	}
	return assigned, nil
}

// CollectAll runs several collections concurrently, bounded by the
// configured concurrency. Results are returned in request order; the first
// failure cancels the rest.
func (c *Collector) CollectAll(ctx context.Context, reqs []models.CollectRequest) ([]*models.CollectResult, error) {
	results := make([]*models.CollectResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := c.Collect(gctx, req)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
