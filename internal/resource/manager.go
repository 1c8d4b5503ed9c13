// Package resource implements admission control over concurrent tasks
// (spec §4.2): a global concurrency cap plus per-node-type and per-agent
// caps, all checked and updated atomically relative to each other. It uses
// puzpuzpuz/xsync concurrent maps for the active-task bookkeeping so that
// admission checks for independent node types never contend on one global
// lock (spec §5 "fine-grained locks, not a global lock") beyond the single
// mutex that makes canAllocate+allocate atomic.
package resource

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// Quota bounds concurrency globally and per tag (node type or agent id).
type Quota struct {
	Global int
	PerTag map[string]int
}

// Manager is the Resource Manager of spec §4.2.
type Manager struct {
	mu sync.Mutex // makes canAllocate+allocate one atomic region, per spec

	quota Quota

	activeTasks *xsync.MapOf[string, string] // taskId -> tag set key, for release bookkeeping
	globalCount int
	perTagCount *xsync.MapOf[string, int]
}

func NewManager(quota Quota) *Manager {
	if quota.PerTag == nil {
		quota.PerTag = map[string]int{}
	}
	return &Manager{
		quota:       quota,
		activeTasks: xsync.NewMapOf[string, string](),
		perTagCount: xsync.NewMapOf[string, int](),
	}
}

// tags returns the admission tags a node's allocation counts against: its
// NodeType always, plus its AgentID/ToolID when set.
func tags(n *domain.Node) []string {
	out := []string{"type:" + string(n.Type)}
	if n.AgentID != "" {
		out = append(out, "agent:"+n.AgentID)
	}
	if n.ToolID != "" {
		out = append(out, "tool:"+n.ToolID)
	}
	return out
}

// CanAllocate reports whether admitting this node's task would stay within
// every applicable quota, without reserving capacity.
func (m *Manager) CanAllocate(n *domain.Node) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canAllocateLocked(n)
}

func (m *Manager) canAllocateLocked(n *domain.Node) bool {
	if m.quota.Global > 0 && m.globalCount >= m.quota.Global {
		return false
	}
	for _, tag := range tags(n) {
		limit, hasLimit := m.quota.PerTag[tag]
		if !hasLimit {
			continue
		}
		count, _ := m.perTagCount.Load(tag)
		if count >= limit {
			return false
		}
	}
	return true
}

// Allocate admits taskId for node n. It re-checks admission under the same
// lock as CanAllocate, failing with ResourceExhausted if capacity vanished
// between a caller's check and this call (spec §4.2 "allocate fails ... if
// capacity is not available when re-checked").
func (m *Manager) Allocate(taskID string, n *domain.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.activeTasks.Load(taskID); exists {
		return domain.NewKernelError(domain.KindResourceExhausted, "task "+taskID+" is already allocated", nil)
	}
	if !m.canAllocateLocked(n) {
		return domain.NewKernelError(domain.KindResourceExhausted, "insufficient capacity to allocate task "+taskID, nil)
	}
	m.globalCount++
	nodeTags := tags(n)
	for _, tag := range nodeTags {
		count, _ := m.perTagCount.Load(tag)
		m.perTagCount.Store(tag, count+1)
	}
	m.activeTasks.Store(taskID, joinTags(nodeTags))
	return nil
}

// Release frees taskId's allocation. It is safe to call on an unknown or
// already-released task (a no-op), so that a worker's deferred cleanup in
// every exit path (spec §4.3 step 1.c) never itself needs error handling.
func (m *Manager) Release(taskID string, n *domain.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.activeTasks.LoadAndDelete(taskID); !ok {
		return
	}
	if m.globalCount > 0 {
		m.globalCount--
	}
	for _, tag := range tags(n) {
		count, _ := m.perTagCount.Load(tag)
		if count > 0 {
			m.perTagCount.Store(tag, count-1)
		}
	}
}

// ActiveCount returns the current global in-flight task count, for stats
// (spec §4.3 "back-pressure ... observable via stats").
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.globalCount
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}
