// Package storage supplies the Workflow/Execution persistence adapters spec
// §6 calls "consumed, not owned": the kernel depends only on
// domain.WorkflowRepository/domain.ExecutionRepository/domain.EventStore,
// and this package provides an in-memory implementation (for tests and a
// single-process kernel) plus a Postgres/bun-backed one (bun.go) for
// anything that must survive a restart.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// MemoryWorkflowStore is a mutex-guarded map-backed WorkflowRepository,
// grounded on the teacher's MemoryStore (infrastructure/storage/memory.go):
// same per-aggregate map-plus-RWMutex shape, adapted to this domain's plain
// string-keyed Workflow (the teacher's w.ID() method call becomes a plain
// field read).
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string]*domain.Workflow
	byName    map[string]*domain.Workflow // keyed by "name@version"
}

func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		workflows: make(map[string]*domain.Workflow),
		byName:    make(map[string]*domain.Workflow),
	}
}

func (s *MemoryWorkflowStore) Save(ctx context.Context, w *domain.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w
	s.byName[w.Name+"@"+w.Version] = w
	return nil
}

func (s *MemoryWorkflowStore) Get(ctx context.Context, id string) (*domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, domain.NewKernelError(domain.KindNotFound, "no such workflow: "+id, nil)
	}
	return w, nil
}

func (s *MemoryWorkflowStore) GetByName(ctx context.Context, name, version string) (*domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.byName[name+"@"+version]
	if !ok {
		return nil, domain.NewKernelError(domain.KindNotFound, "no such workflow: "+name+"@"+version, nil)
	}
	return w, nil
}

func (s *MemoryWorkflowStore) List(ctx context.Context) ([]*domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryWorkflowStore) Update(ctx context.Context, w *domain.Workflow) error {
	return s.Save(ctx, w)
}

func (s *MemoryWorkflowStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return domain.NewKernelError(domain.KindNotFound, "no such workflow: "+id, nil)
	}
	delete(s.workflows, id)
	delete(s.byName, w.Name+"@"+w.Version)
	return nil
}

// MemoryExecutionStore is the Execution-side counterpart. Because
// domain.Execution exposes no exported fields (every read goes through an
// accessor method, spec §9's "mutations serialized under a per-Execution
// mutex"), the store keeps the live *domain.Execution pointer itself rather
// than a reconstructed copy — exactly what an in-memory, single-process
// store can get away with; the bun-backed store below cannot and snapshots
// instead.
type MemoryExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]*domain.Execution
}

func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{executions: make(map[string]*domain.Execution)}
}

func (s *MemoryExecutionStore) Save(ctx context.Context, e *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[e.ID()] = e
	return nil
}

func (s *MemoryExecutionStore) Get(ctx context.Context, id string) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, domain.NewKernelError(domain.KindNotFound, "no such execution: "+id, nil)
	}
	return e, nil
}

func (s *MemoryExecutionStore) ListByWorkflow(ctx context.Context, workflowID string) ([]*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Execution
	for _, e := range s.executions {
		if e.WorkflowID() == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryExecutionStore) ListByStatus(ctx context.Context, status domain.ExecutionStatus) ([]*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Execution
	for _, e := range s.executions {
		if e.Status() == status {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryExecutionStore) Update(ctx context.Context, e *domain.Execution) error {
	return s.Save(ctx, e)
}

func (s *MemoryExecutionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[id]; !ok {
		return domain.NewKernelError(domain.KindNotFound, "no such execution: "+id, nil)
	}
	delete(s.executions, id)
	return nil
}

// CleanupOlderThan removes terminal Executions whose FinishedAt predates
// `days` days ago (spec §6). Non-terminal executions are never swept,
// regardless of age.
func (s *MemoryExecutionStore) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.executions {
		if !e.Status().IsTerminal() {
			continue
		}
		if e.FinishedAt().Before(cutoff) {
			delete(s.executions, id)
			n++
		}
	}
	return n, nil
}

// MemoryEventStore is the append-only event-sourcing side channel (spec §1's
// persistence hook). It is never read by the kernel itself at runtime; only
// a Storage adapter's own RebuildFromEvents caller (e.g. an admin tool) uses
// GetEvents.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]domain.Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]domain.Event)}
}

func (s *MemoryEventStore) AppendEvents(ctx context.Context, executionID string, events []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[executionID] = append(s.events[executionID], events...)
	return nil
}

func (s *MemoryEventStore) GetEvents(ctx context.Context, executionID string) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Event, len(s.events[executionID]))
	copy(out, s.events[executionID])
	return out, nil
}
