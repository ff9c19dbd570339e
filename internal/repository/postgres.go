package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/telhawk-systems/telhawk-ledger/internal/database"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// SQLSTATEs raised by the ledger schema triggers.
const (
	sqlStateImmutableRow = "LG001"
	sqlStateEpochFrozen  = "LG002"
	sqlStateUnique       = "23505"
	sqlStateForeignKey   = "23503"
	sqlStateCheck        = "23514"
	sqlStateOutOfRange   = "22003"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is the production Store.
type PostgresRepository struct {
	pgTx
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	pool, err := database.NewPool(ctx, connString, database.DefaultPoolOptions())
	if err != nil {
		return nil, err
	}
	return NewPostgresRepositoryFromPool(pool), nil
}

// NewPostgresRepositoryFromPool wraps an existing pool. The repository takes
// ownership and closes the pool on Close.
func NewPostgresRepositoryFromPool(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pgTx: pgTx{q: pool}, pool: pool}
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

// WithTx runs fn inside a READ COMMITTED transaction. Epoch close relies on
// LockEpoch (SELECT ... FOR UPDATE) for serialisation rather than on the
// isolation level.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	ctx, cancel := database.TxContext(ctx)
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit returns ErrTxClosed, which is fine.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translateError(err, "failed to commit transaction")
	}
	return nil
}

// pgTx implements Tx over a pool or an open transaction.
type pgTx struct {
	q querier
}

// translateError maps PostgreSQL failures onto ledger errors. Anything it
// does not recognise is wrapped and left unclassified (retryable).
func translateError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", msg, err)
	}

	switch pgErr.Code {
	case sqlStateImmutableRow:
		switch pgErr.TableName {
		case "activity_facts":
			return models.ErrFactImmutable.Wrap(err)
		case "pool_components":
			return models.ErrComponentImmutable.Wrap(err)
		case "payout_statements":
			return models.ErrStatementImmutable.Wrap(err)
		case "epochs":
			return models.ErrPolicyImmutable.Wrap(err)
		default:
			return models.ErrImmutableRow.WithDetail("%s", pgErr.TableName).Wrap(err)
		}
	case sqlStateEpochFrozen:
		return models.ErrEpochClosed.Wrap(err)
	case sqlStateUnique:
		switch pgErr.ConstraintName {
		case "epochs_window_unique":
			return models.ErrEpochWindowExists.Wrap(err)
		case "epochs_one_open_per_scope":
			return models.ErrEpochAlreadyOpen.Wrap(err)
		case "curation_fact_single_epoch":
			return models.ErrFactAlreadyAssigned.Wrap(err)
		case "pool_components_type_unique":
			return models.ErrDuplicateComponent.Wrap(err)
		case "payout_statements_one_original", "payout_statements_chain_unique", "payout_statements_pkey":
			return models.ErrStatementExists.Wrap(err)
		case "identity_bindings_pkey":
			return models.ErrIdentityConflict.Wrap(err)
		}
		return models.ErrInvalidRequest.WithDetail("unique constraint %s", pgErr.ConstraintName).Wrap(err)
	case sqlStateForeignKey:
		if strings.Contains(pgErr.ConstraintName, "fact") {
			return models.ErrFactNotFound.Wrap(err)
		}
		return models.ErrEpochNotFound.Wrap(err)
	case sqlStateCheck:
		return models.ErrInvalidRequest.WithDetail("check constraint %s", pgErr.ConstraintName).Wrap(err)
	case sqlStateOutOfRange:
		return models.ErrPoolOverflow.Wrap(err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// notFound maps pgx.ErrNoRows onto the given ledger error.
func notFound(err error, sentinel *models.LedgerError, msg string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return translateError(err, msg)
}

// Facts

const factColumns = `scope_id, id, source, native_key, category, platform_user_id, display_name,
	artifact_url, payload, payload_hash, producer_name, producer_version,
	event_time, retrieved_at, ingested_at`

func scanFact(row pgx.Row) (*models.ActivityFact, error) {
	var f models.ActivityFact
	var payload []byte
	err := row.Scan(
		&f.ScopeID, &f.ID, &f.Source, &f.NativeKey, &f.Category, &f.PlatformUserID, &f.DisplayName,
		&f.ArtifactURL, &payload, &f.PayloadHash, &f.ProducerName, &f.ProducerVersion,
		&f.EventTime, &f.RetrievedAt, &f.IngestedAt,
	)
	if err != nil {
		return nil, err
	}
	f.Payload = json.RawMessage(payload)
	return &f, nil
}

func collectFacts(rows pgx.Rows) ([]*models.ActivityFact, error) {
	defer rows.Close()
	var out []*models.ActivityFact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// InsertFact stores a fact unless one with the same ID already exists.
// It reports whether a row was written.
func (t *pgTx) InsertFact(ctx context.Context, fact *models.ActivityFact) (bool, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO activity_facts (` + factColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (scope_id, id) DO NOTHING
	`
	tag, err := t.q.Exec(ctx, query,
		fact.ScopeID, fact.ID, fact.Source, fact.NativeKey, fact.Category, fact.PlatformUserID, fact.DisplayName,
		fact.ArtifactURL, []byte(fact.Payload), fact.PayloadHash, fact.ProducerName, fact.ProducerVersion,
		fact.EventTime, fact.RetrievedAt, fact.IngestedAt,
	)
	if err != nil {
		return false, translateError(err, "failed to insert activity fact")
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) GetFact(ctx context.Context, scopeID, factID string) (*models.ActivityFact, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + factColumns + ` FROM activity_facts WHERE scope_id = $1 AND id = $2`
	f, err := scanFact(t.q.QueryRow(ctx, query, scopeID, factID))
	if err != nil {
		return nil, notFound(err, models.ErrFactNotFound, "failed to get activity fact")
	}
	return f, nil
}

func (t *pgTx) ListFacts(ctx context.Context, filter models.FactFilter) ([]*models.ActivityFact, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.ScopeID != "" {
		add("f.scope_id = $%d", filter.ScopeID)
	}
	if filter.Source != "" {
		add("f.source = $%d", filter.Source)
	}
	if !filter.Since.IsZero() {
		add("f.event_time >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("f.event_time < $%d", filter.Until)
	}
	if filter.Unassigned {
		where = append(where, `NOT EXISTS (
			SELECT 1 FROM curation_entries c WHERE c.scope_id = f.scope_id AND c.fact_id = f.id)`)
	}

	query := `SELECT ` + prefixColumns("f", factColumns) + ` FROM activity_facts f`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY f.event_time, f.id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, translateError(err, "failed to list activity facts")
	}
	return collectFacts(rows)
}

func (t *pgTx) ListEpochFacts(ctx context.Context, epochID string) ([]*models.ActivityFact, error) {
	if _, err := t.GetEpoch(ctx, epochID); err != nil {
		return nil, err
	}

	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT ` + prefixColumns("f", factColumns) + `
		FROM curation_entries c
		JOIN activity_facts f ON f.scope_id = c.scope_id AND f.id = c.fact_id
		WHERE c.epoch_id = $1
		ORDER BY f.id
	`
	rows, err := t.q.Query(ctx, query, epochID)
	if err != nil {
		return nil, translateError(err, "failed to list epoch facts")
	}
	return collectFacts(rows)
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// Identity bindings

// InsertIdentityBinding is idempotent for an identical binding and fails with
// ErrIdentityConflict when the identity is already bound to another subject.
func (t *pgTx) InsertIdentityBinding(ctx context.Context, binding *models.IdentityBinding) (bool, error) {
	writeCtx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO identity_bindings (scope_id, source, platform_user_id, subject_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scope_id, source, platform_user_id) DO NOTHING
	`
	tag, err := t.q.Exec(writeCtx, query,
		binding.ScopeID, binding.Source, binding.PlatformUserID, binding.SubjectID, binding.CreatedBy, binding.CreatedAt)
	if err != nil {
		return false, translateError(err, "failed to insert identity binding")
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	existing, err := t.GetIdentityBinding(ctx, binding.ScopeID, binding.Source, binding.PlatformUserID)
	if err != nil {
		return false, err
	}
	if existing.SubjectID != binding.SubjectID {
		return false, models.ErrIdentityConflict.WithDetail("bound to %s", existing.SubjectID)
	}
	return false, nil
}

func (t *pgTx) GetIdentityBinding(ctx context.Context, scopeID, source, platformUserID string) (*models.IdentityBinding, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT scope_id, source, platform_user_id, subject_id, created_by, created_at
		FROM identity_bindings
		WHERE scope_id = $1 AND source = $2 AND platform_user_id = $3
	`
	var b models.IdentityBinding
	err := t.q.QueryRow(ctx, query, scopeID, source, platformUserID).Scan(
		&b.ScopeID, &b.Source, &b.PlatformUserID, &b.SubjectID, &b.CreatedBy, &b.CreatedAt)
	if err != nil {
		return nil, notFound(err, models.ErrBindingNotFound, "failed to get identity binding")
	}
	return &b, nil
}

// Epochs

const epochColumns = `id, scope_id, status, period_start, period_end, weight_policy, policy_hash,
	pool_total, opened_at, closed_at`

func scanEpoch(row pgx.Row) (*models.Epoch, error) {
	var e models.Epoch
	var policy []byte
	var status string
	err := row.Scan(&e.ID, &e.ScopeID, &status, &e.PeriodStart, &e.PeriodEnd, &policy, &e.PolicyHash,
		&e.PoolTotal, &e.OpenedAt, &e.ClosedAt)
	if err != nil {
		return nil, err
	}
	e.Status = models.EpochStatus(status)
	if err := json.Unmarshal(policy, &e.WeightPolicy); err != nil {
		return nil, fmt.Errorf("failed to decode weight policy of epoch %s: %w", e.ID, err)
	}
	return &e, nil
}

func (t *pgTx) InsertEpoch(ctx context.Context, epoch *models.Epoch) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	policy, err := json.Marshal(epoch.WeightPolicy)
	if err != nil {
		return fmt.Errorf("failed to marshal weight policy: %w", err)
	}

	query := `
		INSERT INTO epochs (` + epochColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = t.q.Exec(ctx, query,
		epoch.ID, epoch.ScopeID, string(epoch.Status), epoch.PeriodStart, epoch.PeriodEnd, policy, epoch.PolicyHash,
		epoch.PoolTotal, epoch.OpenedAt, epoch.ClosedAt)
	if err != nil {
		return translateError(err, "failed to insert epoch")
	}
	return nil
}

func (t *pgTx) getEpoch(ctx context.Context, query string, args ...any) (*models.Epoch, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	e, err := scanEpoch(t.q.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, notFound(err, models.ErrEpochNotFound, "failed to get epoch")
	}
	return e, nil
}

func (t *pgTx) GetEpoch(ctx context.Context, epochID string) (*models.Epoch, error) {
	return t.getEpoch(ctx, `SELECT `+epochColumns+` FROM epochs WHERE id = $1`, epochID)
}

// LockEpoch takes a row lock that is held until the surrounding transaction
// ends. Outside WithTx it behaves like GetEpoch.
func (t *pgTx) LockEpoch(ctx context.Context, epochID string) (*models.Epoch, error) {
	return t.getEpoch(ctx, `SELECT `+epochColumns+` FROM epochs WHERE id = $1 FOR UPDATE`, epochID)
}

func (t *pgTx) FindEpochByWindow(ctx context.Context, scopeID string, start, end time.Time) (*models.Epoch, error) {
	return t.getEpoch(ctx,
		`SELECT `+epochColumns+` FROM epochs WHERE scope_id = $1 AND period_start = $2 AND period_end = $3`,
		scopeID, start, end)
}

func (t *pgTx) GetOpenEpoch(ctx context.Context, scopeID string) (*models.Epoch, error) {
	return t.getEpoch(ctx, `SELECT `+epochColumns+` FROM epochs WHERE scope_id = $1 AND status = 'open'`, scopeID)
}

func (t *pgTx) ListEpochs(ctx context.Context, scopeID string) ([]*models.Epoch, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + epochColumns + ` FROM epochs WHERE ($1::text = '' OR scope_id = $1) ORDER BY period_start DESC, id`
	rows, err := t.q.Query(ctx, query, scopeID)
	if err != nil {
		return nil, translateError(err, "failed to list epochs")
	}
	defer rows.Close()

	var out []*models.Epoch
	for rows.Next() {
		e, err := scanEpoch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan epoch: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkEpochClosed is the only epoch update the schema allows.
func (t *pgTx) MarkEpochClosed(ctx context.Context, epochID string, poolTotal int64, closedAt time.Time) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE epochs SET status = 'closed', pool_total = $2, closed_at = $3
		WHERE id = $1
	`
	tag, err := t.q.Exec(ctx, query, epochID, poolTotal, closedAt)
	if err != nil {
		return translateError(err, "failed to close epoch")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrEpochNotFound
	}
	return nil
}

// Curation

const curationColumns = `scope_id, epoch_id, fact_id, subject_id, included, weight_override_milli,
	rationale, updated_by, created_at, updated_at`

func scanCurationEntry(row pgx.Row) (*models.CurationEntry, error) {
	var c models.CurationEntry
	err := row.Scan(&c.ScopeID, &c.EpochID, &c.FactID, &c.SubjectID, &c.Included, &c.WeightOverride,
		&c.Rationale, &c.UpdatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertCurationEntry assigns a fact to an epoch. Re-assigning a fact to the
// same epoch is a no-op; assigning it to a second epoch fails.
func (t *pgTx) InsertCurationEntry(ctx context.Context, entry *models.CurationEntry) (bool, error) {
	writeCtx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO curation_entries (` + curationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (epoch_id, fact_id) DO NOTHING
	`
	tag, err := t.q.Exec(writeCtx, query,
		entry.ScopeID, entry.EpochID, entry.FactID, entry.SubjectID, entry.Included, entry.WeightOverride,
		entry.Rationale, entry.UpdatedBy, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return false, translateError(err, "failed to insert curation entry")
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) SaveCurationEntry(ctx context.Context, entry *models.CurationEntry) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE curation_entries
		SET subject_id = $3, included = $4, weight_override_milli = $5, rationale = $6,
			updated_by = $7, updated_at = $8
		WHERE epoch_id = $1 AND fact_id = $2
	`
	tag, err := t.q.Exec(ctx, query,
		entry.EpochID, entry.FactID, entry.SubjectID, entry.Included, entry.WeightOverride, entry.Rationale,
		entry.UpdatedBy, entry.UpdatedAt)
	if err != nil {
		return translateError(err, "failed to save curation entry")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrCurationNotFound
	}
	return nil
}

func (t *pgTx) GetCurationEntry(ctx context.Context, epochID, factID string) (*models.CurationEntry, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + curationColumns + ` FROM curation_entries WHERE epoch_id = $1 AND fact_id = $2`
	c, err := scanCurationEntry(t.q.QueryRow(ctx, query, epochID, factID))
	if err != nil {
		return nil, notFound(err, models.ErrCurationNotFound, "failed to get curation entry")
	}
	return c, nil
}

func (t *pgTx) GetCurationEntryByFact(ctx context.Context, scopeID, factID string) (*models.CurationEntry, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + curationColumns + ` FROM curation_entries WHERE scope_id = $1 AND fact_id = $2`
	c, err := scanCurationEntry(t.q.QueryRow(ctx, query, scopeID, factID))
	if err != nil {
		return nil, notFound(err, models.ErrCurationNotFound, "failed to get curation entry")
	}
	return c, nil
}

func (t *pgTx) ListCurationEntries(ctx context.Context, epochID string) ([]*models.CurationEntry, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + curationColumns + ` FROM curation_entries WHERE epoch_id = $1 ORDER BY fact_id`
	rows, err := t.q.Query(ctx, query, epochID)
	if err != nil {
		return nil, translateError(err, "failed to list curation entries")
	}
	defer rows.Close()

	var out []*models.CurationEntry
	for rows.Next() {
		c, err := scanCurationEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan curation entry: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Pool components

func (t *pgTx) InsertPoolComponent(ctx context.Context, component *models.PoolComponent) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	inputs := []byte(component.Inputs)
	if len(inputs) == 0 {
		inputs = []byte("{}")
	}

	query := `
		INSERT INTO pool_components
		(id, scope_id, epoch_id, component_type, algorithm_version, inputs, amount, evidence_ref, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := t.q.Exec(ctx, query,
		component.ID, component.ScopeID, component.EpochID, component.ComponentType, component.AlgorithmVersion,
		inputs, component.Amount, component.EvidenceRef, component.ComputedAt)
	if err != nil {
		return translateError(err, "failed to insert pool component")
	}
	return nil
}

func (t *pgTx) ListPoolComponents(ctx context.Context, epochID string) ([]*models.PoolComponent, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT id, scope_id, epoch_id, component_type, algorithm_version, inputs, amount, evidence_ref, computed_at
		FROM pool_components
		WHERE epoch_id = $1
		ORDER BY component_type
	`
	rows, err := t.q.Query(ctx, query, epochID)
	if err != nil {
		return nil, translateError(err, "failed to list pool components")
	}
	defer rows.Close()

	var out []*models.PoolComponent
	for rows.Next() {
		var c models.PoolComponent
		var inputs []byte
		if err := rows.Scan(&c.ID, &c.ScopeID, &c.EpochID, &c.ComponentType, &c.AlgorithmVersion,
			&inputs, &c.Amount, &c.EvidenceRef, &c.ComputedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pool component: %w", err)
		}
		c.Inputs = json.RawMessage(inputs)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (t *pgTx) SumPoolComponents(ctx context.Context, epochID string) (int64, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var total int64
	err := t.q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::BIGINT FROM pool_components WHERE epoch_id = $1`, epochID).
		Scan(&total)
	if err != nil {
		return 0, translateError(err, "failed to sum pool components")
	}
	return total, nil
}

// Allocations

// UpsertProposedAllocation refreshes the proposed units and fact count while
// keeping any reviewer-set final units.
func (t *pgTx) UpsertProposedAllocation(ctx context.Context, alloc *models.Allocation) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO allocations (scope_id, epoch_id, subject_id, proposed_units, fact_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (epoch_id, subject_id) DO UPDATE
		SET proposed_units = EXCLUDED.proposed_units,
			fact_count = EXCLUDED.fact_count,
			updated_at = EXCLUDED.updated_at
	`
	_, err := t.q.Exec(ctx, query,
		alloc.ScopeID, alloc.EpochID, alloc.SubjectID, alloc.ProposedUnits, alloc.FactCount, alloc.UpdatedAt)
	if err != nil {
		return translateError(err, "failed to upsert allocation")
	}
	return nil
}

func (t *pgTx) SetFinalUnits(ctx context.Context, epochID, subjectID string, finalUnits *int64, reason string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE allocations SET final_units = $3, override_reason = $4, updated_at = NOW()
		WHERE epoch_id = $1 AND subject_id = $2
	`
	tag, err := t.q.Exec(ctx, query, epochID, subjectID, finalUnits, reason)
	if err != nil {
		return translateError(err, "failed to set final units")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrAllocationNotFound
	}
	return nil
}

func (t *pgTx) ListAllocations(ctx context.Context, epochID string) ([]*models.Allocation, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT scope_id, epoch_id, subject_id, proposed_units, final_units, override_reason, fact_count, updated_at
		FROM allocations
		WHERE epoch_id = $1
		ORDER BY subject_id
	`
	rows, err := t.q.Query(ctx, query, epochID)
	if err != nil {
		return nil, translateError(err, "failed to list allocations")
	}
	defer rows.Close()

	var out []*models.Allocation
	for rows.Next() {
		var a models.Allocation
		if err := rows.Scan(&a.ScopeID, &a.EpochID, &a.SubjectID, &a.ProposedUnits, &a.FinalUnits,
			&a.OverrideNote, &a.FactCount, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Payout statements

const statementColumns = `id, scope_id, epoch_id, allocation_set_hash, pool_total, total_units,
	undistributed_credits, lines, supersedes_id, reason, created_at`

func scanStatement(row pgx.Row) (*models.PayoutStatement, error) {
	var st models.PayoutStatement
	var lines []byte
	err := row.Scan(&st.ID, &st.ScopeID, &st.EpochID, &st.AllocationSetHash, &st.PoolTotal, &st.TotalUnits,
		&st.UndistributedCredits, &lines, &st.SupersedesID, &st.Reason, &st.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(lines, &st.Lines); err != nil {
		return nil, fmt.Errorf("failed to decode lines of statement %s: %w", st.ID, err)
	}
	return &st, nil
}

func (t *pgTx) InsertStatement(ctx context.Context, statement *models.PayoutStatement) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	lines := statement.Lines
	if lines == nil {
		lines = []models.StatementLine{}
	}
	linesJSON, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("failed to marshal statement lines: %w", err)
	}

	query := `
		INSERT INTO payout_statements (` + statementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = t.q.Exec(ctx, query,
		statement.ID, statement.ScopeID, statement.EpochID, statement.AllocationSetHash, statement.PoolTotal,
		statement.TotalUnits, statement.UndistributedCredits, linesJSON, statement.SupersedesID, statement.Reason,
		statement.CreatedAt)
	if err != nil {
		return translateError(err, "failed to insert payout statement")
	}
	return nil
}

func (t *pgTx) GetOriginalStatement(ctx context.Context, epochID string) (*models.PayoutStatement, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + statementColumns + ` FROM payout_statements WHERE epoch_id = $1 AND supersedes_id IS NULL`
	st, err := scanStatement(t.q.QueryRow(ctx, query, epochID))
	if err != nil {
		return nil, notFound(err, models.ErrStatementNotFound, "failed to get payout statement")
	}
	return st, nil
}

// ListStatements returns the epoch's statements in issue order, original first.
func (t *pgTx) ListStatements(ctx context.Context, epochID string) ([]*models.PayoutStatement, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		WITH RECURSIVE chain AS (
			SELECT ` + statementColumns + `, 0 AS depth
			FROM payout_statements WHERE epoch_id = $1 AND supersedes_id IS NULL
			UNION ALL
			SELECT ` + prefixColumns("s", statementColumns) + `, chain.depth + 1
			FROM payout_statements s JOIN chain ON s.supersedes_id = chain.id
		)
		SELECT ` + statementColumns + ` FROM chain ORDER BY depth
	`
	rows, err := t.q.Query(ctx, query, epochID)
	if err != nil {
		return nil, translateError(err, "failed to list payout statements")
	}
	defer rows.Close()

	var out []*models.PayoutStatement
	for rows.Next() {
		st, err := scanStatement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout statement: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Source cursors

func (t *pgTx) GetCursor(ctx context.Context, scopeID, adapter, stream string) (*models.SourceCursor, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT scope_id, adapter, stream, cursor, updated_at
		FROM source_cursors WHERE scope_id = $1 AND adapter = $2 AND stream = $3
	`
	var c models.SourceCursor
	err := t.q.QueryRow(ctx, query, scopeID, adapter, stream).Scan(&c.ScopeID, &c.Adapter, &c.Stream, &c.Cursor, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err, models.ErrCursorNotFound, "failed to get source cursor")
	}
	return &c, nil
}

func (t *pgTx) SaveCursor(ctx context.Context, cursor *models.SourceCursor) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO source_cursors (scope_id, adapter, stream, cursor, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope_id, adapter, stream) DO UPDATE
		SET cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at
	`
	_, err := t.q.Exec(ctx, query, cursor.ScopeID, cursor.Adapter, cursor.Stream, cursor.Cursor, cursor.UpdatedAt)
	if err != nil {
		return translateError(err, "failed to save source cursor")
	}
	return nil
}
