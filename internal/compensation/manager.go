// Package compensation implements the Saga-style Compensation Manager of
// spec §4.7: given a failed node and its Execution, it builds the ordered
// set of CompensationRecords for every Success node declaring a
// compensation block, then executes them per the chosen strategy.
// Generalized from mbflow's internal/application/executor/error_strategies.go
// CompensationManager, which only supported a LIFO (Reverse) order, to the
// three strategies spec §4.7 requires.
package compensation

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// Record is one compensation action's lifecycle (spec §4.7).
type Record struct {
	NodeID string
	Action string
	Params map[string]any
	Status domain.CompensationRecordStatus
	Err    string
}

// ActionFunc performs one compensation action and returns an error on
// failure.
type ActionFunc func(ctx context.Context, rec *Record) error

// Manager builds and executes compensation plans.
type Manager struct {
	log       zerolog.Logger
	mu        sync.RWMutex
	actions   map[string]ActionFunc
	plansByID map[string][]*Record // executionID -> records, for status query
}

func NewManager(log zerolog.Logger) *Manager {
	m := &Manager{
		log:       log.With().Str("component", "compensation").Logger(),
		actions:   make(map[string]ActionFunc),
		plansByID: make(map[string][]*Record),
	}
	m.RegisterAction("rollback", noopAction)
	m.RegisterAction("undo", noopAction)
	m.RegisterAction("notify", noopAction)
	m.RegisterAction("cleanup", noopAction)
	return m
}

func noopAction(ctx context.Context, rec *Record) error { return nil }

// RegisterAction adds or replaces a built-in compensation action by name.
func (m *Manager) RegisterAction(name string, fn ActionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[name] = fn
}

// successNode pairs a Success NodeExecution with its compensation spec and
// start time, so the strategies below can order by it.
type successNode struct {
	node *domain.Node
	ne   *domain.NodeExecution
}

// BuildPlan collects every Success node in exec that declares a
// Compensation block and orders the resulting records by strategy.
func BuildPlan(workflow *domain.Workflow, exec *domain.Execution, strategy domain.CompensationStrategy) []*Record {
	snapshot := exec.Snapshot()
	var candidates []successNode
	for nodeID, ne := range snapshot {
		if ne.Status != domain.NodeSuccess {
			continue
		}
		node, ok := workflow.Nodes[nodeID]
		if !ok || node.Compensation == nil {
			continue
		}
		candidates = append(candidates, successNode{node: node, ne: ne})
	}

	switch strategy {
	case domain.CompensationReverse:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ne.StartedAt.After(candidates[j].ne.StartedAt) })
	case domain.CompensationSequential:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ne.StartedAt.Before(candidates[j].ne.StartedAt) })
	case domain.CompensationParallel:
		// no ordering required
	}

	records := make([]*Record, 0, len(candidates))
	for _, c := range candidates {
		records = append(records, &Record{
			NodeID: c.node.ID,
			Action: c.node.Compensation.Action,
			Params: c.node.Compensation.Params,
			Status: domain.CompPending,
		})
	}
	return records
}

// Execute runs a plan per strategy, returning overall success.
//
//   - Sequential/Reverse: run one by one; the first failure marks the rest
//     Skipped (spec §4.7 "unprocessed") and the whole plan fails.
//   - Parallel: dispatch every record concurrently; overall success iff all
//     succeeded.
func (m *Manager) Execute(ctx context.Context, executionID string, plan []*Record, strategy domain.CompensationStrategy) bool {
	m.mu.Lock()
	m.plansByID[executionID] = plan
	m.mu.Unlock()

	if strategy == domain.CompensationParallel {
		return m.executeParallel(ctx, plan)
	}
	return m.executeSequential(ctx, plan)
}

func (m *Manager) executeSequential(ctx context.Context, plan []*Record) bool {
	for i, rec := range plan {
		rec.Status = domain.CompRunning
		if err := m.run(ctx, rec); err != nil {
			rec.Status = domain.CompFailed
			rec.Err = err.Error()
			for _, remaining := range plan[i+1:] {
				remaining.Status = domain.CompSkipped
			}
			return false
		}
		rec.Status = domain.CompCompleted
	}
	return true
}

func (m *Manager) executeParallel(ctx context.Context, plan []*Record) bool {
	var wg sync.WaitGroup
	results := make([]bool, len(plan))
	for i, rec := range plan {
		wg.Add(1)
		go func(i int, rec *Record) {
			defer wg.Done()
			rec.Status = domain.CompRunning
			if err := m.run(ctx, rec); err != nil {
				rec.Status = domain.CompFailed
				rec.Err = err.Error()
				results[i] = false
				return
			}
			rec.Status = domain.CompCompleted
			results[i] = true
		}(i, rec)
	}
	wg.Wait()
	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}

func (m *Manager) run(ctx context.Context, rec *Record) error {
	m.mu.RLock()
	fn, ok := m.actions[rec.Action]
	m.mu.RUnlock()
	if !ok {
		m.log.Warn().Str("action", rec.Action).Str("node", rec.NodeID).Msg("unknown compensation action type")
		return unknownActionError{rec.Action}
	}
	return fn(ctx, rec)
}

type unknownActionError struct{ action string }

func (e unknownActionError) Error() string { return "unknown compensation action: " + e.action }

// StatusSummary is the Compensation Manager's status query result (spec
// §4.7 "Status query returns counts by state plus per-record summaries").
type StatusSummary struct {
	Counts  map[domain.CompensationRecordStatus]int
	Records []*Record
}

func (m *Manager) Status(executionID string) StatusSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan := m.plansByID[executionID]
	counts := make(map[domain.CompensationRecordStatus]int)
	for _, r := range plan {
		counts[r.Status]++
	}
	return StatusSummary{Counts: counts, Records: plan}
}
