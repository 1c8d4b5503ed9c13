package eventsink

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/flowkernel/internal/domain"
)

func TestSink_PublishSubscribeDispatch(t *testing.T) {
	sink := New(zerolog.Nop())
	done := make(chan struct{})
	defer close(done)
	go sink.Run(done)

	var mu sync.Mutex
	var received []string
	sink.Subscribe("workflow.node.events", func(topic string, evt domain.Event) {
		mu.Lock()
		received = append(received, string(evt.Type))
		mu.Unlock()
	})

	sink.Publish("workflow.node.events", domain.Event{Type: domain.EventNodeStarted, NodeID: "a"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, "NodeStarted", received[0])
	mu.Unlock()
}

func TestSink_WildcardSubscriberReceivesAllTopics(t *testing.T) {
	sink := New(zerolog.Nop())
	done := make(chan struct{})
	defer close(done)
	go sink.Run(done)

	var mu sync.Mutex
	var topics []string
	sink.Subscribe("", func(topic string, evt domain.Event) {
		mu.Lock()
		topics = append(topics, topic)
		mu.Unlock()
	})

	sink.Publish("workflow.execution.events", domain.Event{Type: domain.EventWorkflowStarted})
	sink.Publish("workflow.node.events", domain.Event{Type: domain.EventNodeStarted})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(topics) == 2
	}, time.Second, time.Millisecond)
}

func TestSink_SubscriberPanicDoesNotStopDispatch(t *testing.T) {
	sink := New(zerolog.Nop())
	done := make(chan struct{})
	defer close(done)
	go sink.Run(done)

	var mu sync.Mutex
	secondCalled := false
	sink.Subscribe("t", func(topic string, evt domain.Event) {
		panic("boom")
	})
	sink.Subscribe("t", func(topic string, evt domain.Event) {
		mu.Lock()
		secondCalled = true
		mu.Unlock()
	})

	sink.Publish("t", domain.Event{Type: domain.EventNodeStarted})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return secondCalled
	}, time.Second, time.Millisecond)
}

func TestSink_PublishNeverBlocksWhenBufferFull(t *testing.T) {
	sink := New(zerolog.Nop())
	// Never start Run: the queue fills and further publishes must still
	// return immediately, incrementing Dropped instead of blocking.
	for i := 0; i < bufferSize+10; i++ {
		sink.Publish("t", domain.Event{Type: domain.EventNodeStarted})
	}
	assert.Greater(t, sink.Dropped(), uint64(0))
}
