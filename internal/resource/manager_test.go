package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/flowkernel/internal/domain"
)

func TestManager_GlobalQuota(t *testing.T) {
	m := NewManager(Quota{Global: 1})
	n := &domain.Node{ID: "a", Type: domain.NodeAgent}
	require.True(t, m.CanAllocate(n))
	require.NoError(t, m.Allocate("t1", n))
	assert.False(t, m.CanAllocate(n))

	err := m.Allocate("t2", n)
	require.Error(t, err)
	kerr, ok := err.(*domain.KernelError)
	require.True(t, ok)
	assert.Equal(t, domain.KindResourceExhausted, kerr.Kind)

	m.Release("t1", n)
	assert.True(t, m.CanAllocate(n))
}

func TestManager_PerTypeQuota(t *testing.T) {
	m := NewManager(Quota{Global: 10, PerTag: map[string]int{"type:agent": 1}})
	agentNode := &domain.Node{ID: "a", Type: domain.NodeAgent}
	toolNode := &domain.Node{ID: "b", Type: domain.NodeTool}

	require.NoError(t, m.Allocate("t1", agentNode))
	assert.False(t, m.CanAllocate(agentNode))
	assert.True(t, m.CanAllocate(toolNode))
}

func TestManager_ReleaseIsIdempotent(t *testing.T) {
	m := NewManager(Quota{Global: 1})
	n := &domain.Node{ID: "a", Type: domain.NodeAgent}
	m.Release("unknown", n) // must not panic or go negative
	assert.Equal(t, 0, m.ActiveCount())
}

func TestRateLimiter_AcquireBlocksThenSucceeds(t *testing.T) {
	rl := NewRateLimiter(1, 20) // 1 token capacity, 20/sec refill
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, rl.Acquire(ctx, "agent:echo", 1))
	start := time.Now()
	require.NoError(t, rl.Acquire(ctx, "agent:echo", 1))
	assert.Greater(t, time.Since(start), 10*time.Millisecond)
}

func TestRateLimiter_RespectsContextCancellation(t *testing.T) {
	rl := NewRateLimiter(1, 0.001)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, rl.Acquire(context.Background(), "x", 1))
	err := rl.Acquire(ctx, "x", 1)
	assert.Error(t, err)
}
