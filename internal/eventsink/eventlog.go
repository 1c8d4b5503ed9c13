package eventsink

import (
	"context"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// EventLog is an in-memory, append-only domain.EventStore keyed by execution
// id. Events are round-tripped through vmihailenco/msgpack before storage —
// the same compact binary encoding mbflow's bun_store.go/event_store.go use
// for JSONB payload columns — so the persistence hook spec §1 calls for
// ("the core exposes hooks for persistence") exercises the real encoding a
// production EventStore would use, even though this in-memory
// implementation never actually touches disk.
type EventLog struct {
	mu     sync.RWMutex
	byExec map[string][][]byte
}

func NewEventLog() *EventLog {
	return &EventLog{byExec: make(map[string][][]byte)}
}

// AppendEvents implements domain.EventStore.
func (l *EventLog) AppendEvents(ctx context.Context, executionID string, events []domain.Event) error {
	encoded := make([][]byte, 0, len(events))
	for _, evt := range events {
		b, err := msgpack.Marshal(evt)
		if err != nil {
			return domain.NewKernelError(domain.KindInvalidInput, "failed to encode event", err)
		}
		encoded = append(encoded, b)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byExec[executionID] = append(l.byExec[executionID], encoded...)
	return nil
}

// GetEvents implements domain.EventStore.
func (l *EventLog) GetEvents(ctx context.Context, executionID string) ([]domain.Event, error) {
	l.mu.RLock()
	blobs := append([][]byte(nil), l.byExec[executionID]...)
	l.mu.RUnlock()

	out := make([]domain.Event, 0, len(blobs))
	for _, b := range blobs {
		var evt domain.Event
		if err := msgpack.Unmarshal(b, &evt); err != nil {
			return nil, domain.NewKernelError(domain.KindInvalidInput, "failed to decode event", err)
		}
		out = append(out, evt)
	}
	return out, nil
}
