package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// BunDB opens the shared Postgres connection every Bun*Store below wraps,
// grounded on the teacher's BunStore constructor
// (infrastructure/storage/bun_store.go): sql.OpenDB over a pgdriver
// connector, dialected with pgdialect.
func BunDB(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

// InitSchema creates every table these stores need, idempotently. Unlike the
// teacher's per-field model decomposition (WorkflowModel/ExecutionModel/...,
// one column per domain field), this kernel's Workflow is already a plain,
// fully-exported struct and its Execution is event-sourced, so each model
// here keeps only the columns worth indexing and pushes the rest through a
// single jsonb document column.
func InitSchema(ctx context.Context, db *bun.DB) error {
	models := []any{
		(*workflowRow)(nil),
		(*executionRow)(nil),
		(*eventRow)(nil),
	}
	for _, m := range models {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

type workflowRow struct {
	bun.BaseModel `bun:"table:workflows,alias:w"`

	ID        string         `bun:"id,pk"`
	Name      string         `bun:"name"`
	Version   string         `bun:"version"`
	Kind      string         `bun:"kind"`
	Document  *domain.Workflow `bun:"document,type:jsonb"`
	CreatedAt time.Time      `bun:"created_at"`
	UpdatedAt time.Time      `bun:"updated_at"`
}

// BunWorkflowStore is the Postgres-backed domain.WorkflowRepository.
type BunWorkflowStore struct {
	db *bun.DB
}

func NewBunWorkflowStore(db *bun.DB) *BunWorkflowStore { return &BunWorkflowStore{db: db} }

func toWorkflowRow(w *domain.Workflow) *workflowRow {
	return &workflowRow{
		ID: w.ID, Name: w.Name, Version: w.Version, Kind: string(w.Kind),
		Document: w, CreatedAt: w.CreatedAt, UpdatedAt: w.UpdatedAt,
	}
}

func (s *BunWorkflowStore) Save(ctx context.Context, w *domain.Workflow) error {
	row := toWorkflowRow(w)
	_, err := s.db.NewInsert().Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name, version = EXCLUDED.version, kind = EXCLUDED.kind, document = EXCLUDED.document, updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *BunWorkflowStore) Get(ctx context.Context, id string) (*domain.Workflow, error) {
	row := new(workflowRow)
	if err := s.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewKernelError(domain.KindNotFound, "no such workflow: "+id, nil)
		}
		return nil, err
	}
	return row.Document, nil
}

func (s *BunWorkflowStore) GetByName(ctx context.Context, name, version string) (*domain.Workflow, error) {
	row := new(workflowRow)
	if err := s.db.NewSelect().Model(row).Where("name = ? AND version = ?", name, version).Scan(ctx); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewKernelError(domain.KindNotFound, "no such workflow: "+name+"@"+version, nil)
		}
		return nil, err
	}
	return row.Document, nil
}

func (s *BunWorkflowStore) List(ctx context.Context) ([]*domain.Workflow, error) {
	var rows []*workflowRow
	if err := s.db.NewSelect().Model(&rows).Order("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*domain.Workflow, len(rows))
	for i, r := range rows {
		out[i] = r.Document
	}
	return out, nil
}

func (s *BunWorkflowStore) Update(ctx context.Context, w *domain.Workflow) error { return s.Save(ctx, w) }

func (s *BunWorkflowStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.NewDelete().Model((*workflowRow)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

type executionRow struct {
	bun.BaseModel `bun:"table:executions,alias:x"`

	ID                string                  `bun:"id,pk"`
	WorkflowID        string                  `bun:"workflow_id"`
	ParentExecutionID string                  `bun:"parent_execution_id"`
	Status            domain.ExecutionStatus  `bun:"status"`
	Document          domain.ExecutionSnapshot `bun:"document,type:jsonb"`
	StartedAt         time.Time               `bun:"started_at"`
	FinishedAt         time.Time              `bun:"finished_at,nullzero"`
}

// BunExecutionStore is the Postgres-backed domain.ExecutionRepository. It
// round-trips through domain.ExecutionSnapshot/domain.ReconstructExecution
// (rather than the teacher's per-field ExecutionModel) because Execution's
// own fields are private by design (spec §9) — the snapshot is the only
// exported shape that carries its full state.
type BunExecutionStore struct {
	db *bun.DB
}

func NewBunExecutionStore(db *bun.DB) *BunExecutionStore { return &BunExecutionStore{db: db} }

func toExecutionRow(e *domain.Execution) *executionRow {
	snap := e.ToSnapshot()
	return &executionRow{
		ID: e.ID(), WorkflowID: e.WorkflowID(), ParentExecutionID: snap.ParentExecutionID,
		Status: e.Status(), Document: snap, StartedAt: e.StartedAt(), FinishedAt: e.FinishedAt(),
	}
}

func (s *BunExecutionStore) Save(ctx context.Context, e *domain.Execution) error {
	row := toExecutionRow(e)
	_, err := s.db.NewInsert().Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("workflow_id = EXCLUDED.workflow_id, status = EXCLUDED.status, document = EXCLUDED.document, started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at").
		Exec(ctx)
	return err
}

func (s *BunExecutionStore) Get(ctx context.Context, id string) (*domain.Execution, error) {
	row := new(executionRow)
	if err := s.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewKernelError(domain.KindNotFound, "no such execution: "+id, nil)
		}
		return nil, err
	}
	return domain.ReconstructExecution(row.Document), nil
}

func (s *BunExecutionStore) ListByWorkflow(ctx context.Context, workflowID string) ([]*domain.Execution, error) {
	var rows []*executionRow
	if err := s.db.NewSelect().Model(&rows).Where("workflow_id = ?", workflowID).Scan(ctx); err != nil {
		return nil, err
	}
	return reconstructAll(rows), nil
}

func (s *BunExecutionStore) ListByStatus(ctx context.Context, status domain.ExecutionStatus) ([]*domain.Execution, error) {
	var rows []*executionRow
	if err := s.db.NewSelect().Model(&rows).Where("status = ?", status).Scan(ctx); err != nil {
		return nil, err
	}
	return reconstructAll(rows), nil
}

func reconstructAll(rows []*executionRow) []*domain.Execution {
	out := make([]*domain.Execution, len(rows))
	for i, r := range rows {
		out[i] = domain.ReconstructExecution(r.Document)
	}
	return out
}

func (s *BunExecutionStore) Update(ctx context.Context, e *domain.Execution) error { return s.Save(ctx, e) }

func (s *BunExecutionStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.NewDelete().Model((*executionRow)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

// CleanupOlderThan deletes terminal executions finished more than `days`
// days ago (spec §6). Non-terminal statuses are excluded from the WHERE
// clause entirely, so a long-suspended execution with an old started_at but
// zero finished_at is never swept.
func (s *BunExecutionStore) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	res, err := s.db.NewDelete().Model((*executionRow)(nil)).
		Where("status IN (?, ?, ?) AND finished_at < ?",
			domain.ExecCompleted, domain.ExecFailed, domain.ExecCancelled, cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type eventRow struct {
	bun.BaseModel `bun:"table:execution_events,alias:ev"`

	ID          int64         `bun:"id,pk,autoincrement"`
	ExecutionID string        `bun:"execution_id"`
	Sequence    int64         `bun:"sequence"`
	Event       domain.Event  `bun:"event,type:jsonb"`
	Timestamp   time.Time     `bun:"timestamp"`
}

// BunEventStore is the Postgres-backed domain.EventStore: an append-only log
// of every Event an Execution has raised, the spec §1 persistence hook.
type BunEventStore struct {
	db *bun.DB
}

func NewBunEventStore(db *bun.DB) *BunEventStore { return &BunEventStore{db: db} }

func (s *BunEventStore) AppendEvents(ctx context.Context, executionID string, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]*eventRow, len(events))
	for i, evt := range events {
		rows[i] = &eventRow{ExecutionID: executionID, Sequence: evt.Sequence, Event: evt, Timestamp: evt.Timestamp}
	}
	_, err := s.db.NewInsert().Model(&rows).Exec(ctx)
	return err
}

func (s *BunEventStore) GetEvents(ctx context.Context, executionID string) ([]domain.Event, error) {
	var rows []*eventRow
	if err := s.db.NewSelect().Model(&rows).Where("execution_id = ?", executionID).Order("sequence ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]domain.Event, len(rows))
	for i, r := range rows {
		out[i] = r.Event
	}
	return out, nil
}
