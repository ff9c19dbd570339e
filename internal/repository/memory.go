package repository

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// InMemoryRepository is a Store backed by process memory. It enforces the
// same append-only and frozen-epoch rules as the PostgreSQL schema and is
// used by unit tests and the single-node dev mode.
type InMemoryRepository struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	facts       map[string]models.ActivityFact // scope|fact
	bindings    map[string]models.IdentityBinding
	epochs      map[string]models.Epoch
	curation    map[string]models.CurationEntry // epoch|fact
	factEpoch   map[string]string               // scope|fact -> epoch
	components  map[string][]models.PoolComponent
	allocations map[string]models.Allocation // epoch|subject
	statements  map[string][]models.PayoutStatement
	cursors     map[string]models.SourceCursor
}

func newMemState() *memState {
	return &memState{
		facts:       make(map[string]models.ActivityFact),
		bindings:    make(map[string]models.IdentityBinding),
		epochs:      make(map[string]models.Epoch),
		curation:    make(map[string]models.CurationEntry),
		factEpoch:   make(map[string]string),
		components:  make(map[string][]models.PoolComponent),
		allocations: make(map[string]models.Allocation),
		statements:  make(map[string][]models.PayoutStatement),
		cursors:     make(map[string]models.SourceCursor),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.facts {
		c.facts[k] = v
	}
	for k, v := range s.bindings {
		c.bindings[k] = v
	}
	for k, v := range s.epochs {
		c.epochs[k] = v
	}
	for k, v := range s.curation {
		c.curation[k] = v
	}
	for k, v := range s.factEpoch {
		c.factEpoch[k] = v
	}
	for k, v := range s.components {
		c.components[k] = append([]models.PoolComponent(nil), v...)
	}
	for k, v := range s.allocations {
		c.allocations[k] = v
	}
	for k, v := range s.statements {
		c.statements[k] = append([]models.PayoutStatement(nil), v...)
	}
	for k, v := range s.cursors {
		c.cursors[k] = v
	}
	return c
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{state: newMemState()}
}

// WithTx runs fn against a private copy of the state and publishes the copy
// only if fn succeeds. Units of work are serialised by the store mutex.
func (r *InMemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	working := r.state.clone()
	if err := fn(&memTx{s: working}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.state = working
	return nil
}

func (r *InMemoryRepository) Ping(ctx context.Context) error { return ctx.Err() }

func (r *InMemoryRepository) Close() {}

func (r *InMemoryRepository) direct(fn func(tx *memTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(&memTx{s: r.state})
}

func key(parts ...string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "|"
		}
		out += p
	}
	return out
}

// memTx implements Tx over a memState. It never hands out pointers into the
// state: reads return copies and writes replace whole values.
type memTx struct {
	s *memState
}

func copyFact(f models.ActivityFact) *models.ActivityFact {
	f.Payload = append(json.RawMessage(nil), f.Payload...)
	if f.DisplayName != nil {
		name := *f.DisplayName
		f.DisplayName = &name
	}
	return &f
}

func copyEntry(e models.CurationEntry) *models.CurationEntry {
	if e.SubjectID != nil {
		subject := *e.SubjectID
		e.SubjectID = &subject
	}
	if e.WeightOverride != nil {
		w := *e.WeightOverride
		e.WeightOverride = &w
	}
	return &e
}

func copyEpoch(e models.Epoch) *models.Epoch {
	weights := make(map[string]int64, len(e.WeightPolicy.Weights))
	for k, v := range e.WeightPolicy.Weights {
		weights[k] = v
	}
	e.WeightPolicy.Weights = weights
	if e.PoolTotal != nil {
		total := *e.PoolTotal
		e.PoolTotal = &total
	}
	if e.ClosedAt != nil {
		at := *e.ClosedAt
		e.ClosedAt = &at
	}
	return &e
}

func copyAllocation(a models.Allocation) *models.Allocation {
	if a.FinalUnits != nil {
		units := *a.FinalUnits
		a.FinalUnits = &units
	}
	return &a
}

func copyStatement(st models.PayoutStatement) *models.PayoutStatement {
	st.Lines = append(make([]models.StatementLine, 0, len(st.Lines)), st.Lines...)
	if st.SupersedesID != nil {
		id := *st.SupersedesID
		st.SupersedesID = &id
	}
	return &st
}

func (t *memTx) requireOpen(epochID string) error {
	epoch, ok := t.s.epochs[epochID]
	if !ok {
		return models.ErrEpochNotFound
	}
	if !epoch.IsOpen() {
		return models.ErrEpochClosed
	}
	return nil
}

// Facts

func (t *memTx) InsertFact(_ context.Context, fact *models.ActivityFact) (bool, error) {
	k := key(fact.ScopeID, fact.ID)
	if _, exists := t.s.facts[k]; exists {
		return false, nil
	}
	t.s.facts[k] = *copyFact(*fact)
	return true, nil
}

func (t *memTx) GetFact(_ context.Context, scopeID, factID string) (*models.ActivityFact, error) {
	f, ok := t.s.facts[key(scopeID, factID)]
	if !ok {
		return nil, models.ErrFactNotFound
	}
	return copyFact(f), nil
}

func (t *memTx) ListFacts(_ context.Context, filter models.FactFilter) ([]*models.ActivityFact, error) {
	var out []*models.ActivityFact
	for k, f := range t.s.facts {
		if filter.ScopeID != "" && f.ScopeID != filter.ScopeID {
			continue
		}
		if filter.Source != "" && f.Source != filter.Source {
			continue
		}
		if !filter.Since.IsZero() && f.EventTime.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !f.EventTime.Before(filter.Until) {
			continue
		}
		if filter.Unassigned {
			if _, assigned := t.s.factEpoch[k]; assigned {
				continue
			}
		}
		out = append(out, copyFact(f))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventTime.Equal(out[j].EventTime) {
			return out[i].EventTime.Before(out[j].EventTime)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (t *memTx) ListEpochFacts(_ context.Context, epochID string) ([]*models.ActivityFact, error) {
	epoch, ok := t.s.epochs[epochID]
	if !ok {
		return nil, models.ErrEpochNotFound
	}
	var out []*models.ActivityFact
	for _, entry := range t.s.curation {
		if entry.EpochID != epochID {
			continue
		}
		if f, ok := t.s.facts[key(epoch.ScopeID, entry.FactID)]; ok {
			out = append(out, copyFact(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Identity bindings

func (t *memTx) InsertIdentityBinding(_ context.Context, binding *models.IdentityBinding) (bool, error) {
	k := key(binding.ScopeID, binding.Source, binding.PlatformUserID)
	if existing, ok := t.s.bindings[k]; ok {
		if existing.SubjectID != binding.SubjectID {
			return false, models.ErrIdentityConflict
		}
		return false, nil
	}
	t.s.bindings[k] = *binding
	return true, nil
}

func (t *memTx) GetIdentityBinding(_ context.Context, scopeID, source, platformUserID string) (*models.IdentityBinding, error) {
	b, ok := t.s.bindings[key(scopeID, source, platformUserID)]
	if !ok {
		return nil, models.ErrBindingNotFound
	}
	return &b, nil
}

// Epochs

func (t *memTx) InsertEpoch(_ context.Context, epoch *models.Epoch) error {
	for _, e := range t.s.epochs {
		if e.ScopeID != epoch.ScopeID {
			continue
		}
		if e.PeriodStart.Equal(epoch.PeriodStart) && e.PeriodEnd.Equal(epoch.PeriodEnd) {
			return models.ErrEpochWindowExists
		}
		if e.IsOpen() && epoch.IsOpen() {
			return models.ErrEpochAlreadyOpen
		}
	}
	t.s.epochs[epoch.ID] = *copyEpoch(*epoch)
	return nil
}

func (t *memTx) GetEpoch(_ context.Context, epochID string) (*models.Epoch, error) {
	e, ok := t.s.epochs[epochID]
	if !ok {
		return nil, models.ErrEpochNotFound
	}
	return copyEpoch(e), nil
}

// LockEpoch needs no extra locking: units of work already hold the store mutex.
func (t *memTx) LockEpoch(ctx context.Context, epochID string) (*models.Epoch, error) {
	return t.GetEpoch(ctx, epochID)
}

func (t *memTx) FindEpochByWindow(_ context.Context, scopeID string, start, end time.Time) (*models.Epoch, error) {
	for _, e := range t.s.epochs {
		if e.ScopeID == scopeID && e.PeriodStart.Equal(start) && e.PeriodEnd.Equal(end) {
			return copyEpoch(e), nil
		}
	}
	return nil, models.ErrEpochNotFound
}

func (t *memTx) GetOpenEpoch(_ context.Context, scopeID string) (*models.Epoch, error) {
	for _, e := range t.s.epochs {
		if e.ScopeID == scopeID && e.IsOpen() {
			return copyEpoch(e), nil
		}
	}
	return nil, models.ErrEpochNotFound
}

func (t *memTx) ListEpochs(_ context.Context, scopeID string) ([]*models.Epoch, error) {
	var out []*models.Epoch
	for _, e := range t.s.epochs {
		if scopeID == "" || e.ScopeID == scopeID {
			out = append(out, copyEpoch(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].PeriodStart.After(out[j].PeriodStart)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) MarkEpochClosed(_ context.Context, epochID string, poolTotal int64, closedAt time.Time) error {
	e, ok := t.s.epochs[epochID]
	if !ok {
		return models.ErrEpochNotFound
	}
	if !e.IsOpen() || e.PoolTotal != nil {
		return models.ErrEpochClosed
	}
	e.Status = models.EpochClosed
	e.PoolTotal = &poolTotal
	e.ClosedAt = &closedAt
	t.s.epochs[epochID] = e
	return nil
}

// Curation

func (t *memTx) InsertCurationEntry(_ context.Context, entry *models.CurationEntry) (bool, error) {
	if err := t.requireOpen(entry.EpochID); err != nil {
		return false, err
	}
	fk := key(entry.ScopeID, entry.FactID)
	if current, ok := t.s.factEpoch[fk]; ok {
		if current != entry.EpochID {
			return false, models.ErrFactAlreadyAssigned
		}
		return false, nil
	}
	t.s.factEpoch[fk] = entry.EpochID
	t.s.curation[key(entry.EpochID, entry.FactID)] = *copyEntry(*entry)
	return true, nil
}

func (t *memTx) SaveCurationEntry(_ context.Context, entry *models.CurationEntry) error {
	if err := t.requireOpen(entry.EpochID); err != nil {
		return err
	}
	k := key(entry.EpochID, entry.FactID)
	if _, ok := t.s.curation[k]; !ok {
		return models.ErrCurationNotFound
	}
	t.s.curation[k] = *copyEntry(*entry)
	return nil
}

func (t *memTx) GetCurationEntry(_ context.Context, epochID, factID string) (*models.CurationEntry, error) {
	e, ok := t.s.curation[key(epochID, factID)]
	if !ok {
		return nil, models.ErrCurationNotFound
	}
	return copyEntry(e), nil
}

func (t *memTx) GetCurationEntryByFact(ctx context.Context, scopeID, factID string) (*models.CurationEntry, error) {
	epochID, ok := t.s.factEpoch[key(scopeID, factID)]
	if !ok {
		return nil, models.ErrCurationNotFound
	}
	return t.GetCurationEntry(ctx, epochID, factID)
}

func (t *memTx) ListCurationEntries(_ context.Context, epochID string) ([]*models.CurationEntry, error) {
	var out []*models.CurationEntry
	for _, e := range t.s.curation {
		if e.EpochID == epochID {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FactID < out[j].FactID })
	return out, nil
}

// Pool components

func (t *memTx) InsertPoolComponent(_ context.Context, component *models.PoolComponent) error {
	if err := t.requireOpen(component.EpochID); err != nil {
		return err
	}
	for _, c := range t.s.components[component.EpochID] {
		if c.ComponentType == component.ComponentType {
			return models.ErrDuplicateComponent
		}
	}
	c := *component
	c.Inputs = append(json.RawMessage(nil), component.Inputs...)
	t.s.components[component.EpochID] = append(t.s.components[component.EpochID], c)
	return nil
}

func (t *memTx) ListPoolComponents(_ context.Context, epochID string) ([]*models.PoolComponent, error) {
	var out []*models.PoolComponent
	for _, c := range t.s.components[epochID] {
		c := c
		c.Inputs = append(json.RawMessage(nil), c.Inputs...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComponentType < out[j].ComponentType })
	return out, nil
}

func (t *memTx) SumPoolComponents(_ context.Context, epochID string) (int64, error) {
	var total int64
	for _, c := range t.s.components[epochID] {
		if c.Amount > math.MaxInt64-total {
			return 0, models.ErrPoolOverflow.WithDetail("epoch %s", epochID)
		}
		total += c.Amount
	}
	return total, nil
}

// Allocations

func (t *memTx) UpsertProposedAllocation(_ context.Context, alloc *models.Allocation) error {
	if err := t.requireOpen(alloc.EpochID); err != nil {
		return err
	}
	k := key(alloc.EpochID, alloc.SubjectID)
	next := *copyAllocation(*alloc)
	if existing, ok := t.s.allocations[k]; ok {
		next.FinalUnits = existing.FinalUnits
		next.OverrideNote = existing.OverrideNote
	} else {
		next.FinalUnits = nil
		next.OverrideNote = ""
	}
	t.s.allocations[k] = next
	return nil
}

func (t *memTx) SetFinalUnits(_ context.Context, epochID, subjectID string, finalUnits *int64, reason string) error {
	if err := t.requireOpen(epochID); err != nil {
		return err
	}
	k := key(epochID, subjectID)
	a, ok := t.s.allocations[k]
	if !ok {
		return models.ErrAllocationNotFound
	}
	if finalUnits != nil {
		units := *finalUnits
		a.FinalUnits = &units
	} else {
		a.FinalUnits = nil
	}
	a.OverrideNote = reason
	a.UpdatedAt = time.Now().UTC()
	t.s.allocations[k] = a
	return nil
}

func (t *memTx) ListAllocations(_ context.Context, epochID string) ([]*models.Allocation, error) {
	var out []*models.Allocation
	for _, a := range t.s.allocations {
		if a.EpochID == epochID {
			out = append(out, copyAllocation(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}

// Payout statements

func (t *memTx) InsertStatement(_ context.Context, statement *models.PayoutStatement) error {
	for _, existing := range t.s.statements[statement.EpochID] {
		if statement.SupersedesID == nil && existing.SupersedesID == nil {
			return models.ErrStatementExists
		}
		if statement.SupersedesID != nil && existing.SupersedesID != nil && *existing.SupersedesID == *statement.SupersedesID {
			return models.ErrStatementExists
		}
	}
	t.s.statements[statement.EpochID] = append(t.s.statements[statement.EpochID], *copyStatement(*statement))
	return nil
}

func (t *memTx) GetOriginalStatement(_ context.Context, epochID string) (*models.PayoutStatement, error) {
	for _, st := range t.s.statements[epochID] {
		if st.SupersedesID == nil {
			return copyStatement(st), nil
		}
	}
	return nil, models.ErrStatementNotFound
}

func (t *memTx) ListStatements(_ context.Context, epochID string) ([]*models.PayoutStatement, error) {
	var out []*models.PayoutStatement
	for _, st := range t.s.statements[epochID] {
		out = append(out, copyStatement(st))
	}
	return out, nil
}

// Source cursors

func (t *memTx) GetCursor(_ context.Context, scopeID, adapter, stream string) (*models.SourceCursor, error) {
	c, ok := t.s.cursors[key(scopeID, adapter, stream)]
	if !ok {
		return nil, models.ErrCursorNotFound
	}
	return &c, nil
}

func (t *memTx) SaveCursor(_ context.Context, cursor *models.SourceCursor) error {
	t.s.cursors[key(cursor.ScopeID, cursor.Adapter, cursor.Stream)] = *cursor
	return nil
}
