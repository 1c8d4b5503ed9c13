// Package scheduler implements the Task Scheduler of spec §4.3: a
// priority-ordered ready queue, a waiting map keyed by unmet dependencies, a
// running registry, and a pluggable executor-by-type registry. It never
// drops a task; over-capacity tasks simply accumulate in the ready queue
// (spec §4.3 "back-pressure").
package scheduler

import (
	"time"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// TaskKey is the (executionId, nodeId) pair the waiting and running maps are
// keyed by (spec §4.3).
type TaskKey struct {
	ExecutionID string
	NodeID      string
}

func (k TaskKey) String() string { return k.ExecutionID + "/" + k.NodeID }

// Task is one scheduled unit of work: a node to run within an execution.
type Task struct {
	Key           TaskKey
	Node          *domain.Node
	Priority      int
	ScheduledTime time.Time
	// index is maintained by container/heap; callers must not set it.
	index int
}

// Executor runs one Task to completion or error. The Scheduler's worker
// acquires a rate-limit token before every Executor call (spec §4.3 step
// 1.a/1.d); it applies no timeout, so the per-node timeout is the
// Executor's own job (the Coordinator's executeNode applies it, §4.4 step 3).
type Executor func(task *Task) error
