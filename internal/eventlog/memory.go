package eventlog

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned when the log has been closed
var ErrClosed = errors.New("event log closed")

type memoryPartition struct {
	key      string
	messages []Message
	offset   int
	attempts int
	inflight bool
}

// Memory is an in-process partitioned log. Each partition has at most one
// delivery in flight, so redeliveries never overtake later messages.
type Memory struct {
	mu         sync.Mutex
	partitions map[string]*memoryPartition
	notify     chan struct{}
	closed     bool
}

// NewMemory creates an empty in-memory log
func NewMemory() *Memory {
	return &Memory{
		partitions: make(map[string]*memoryPartition),
		notify:     make(chan struct{}, 1),
	}
}

// Publish appends a message to its partition
func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	p, ok := m.partitions[msg.PartitionKey]
	if !ok {
		p = &memoryPartition{key: msg.PartitionKey}
		m.partitions[msg.PartitionKey] = p
	}
	body := make([]byte, len(msg.Body))
	copy(body, msg.Body)
	msg.Body = body
	p.messages = append(p.messages, msg)
	m.mu.Unlock()

	m.wake()
	return nil
}

// Consume hands every ready partition head to h until ctx is done
func (m *Memory) Consume(ctx context.Context, h Handler) error {
	for {
		for _, d := range m.ready() {
			if err := h(ctx, d); err != nil {
				log.Warn().Err(err).Str("partition_key", d.PartitionKey).Msg("Handler rejected delivery")
				_ = d.Abandon(ctx)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-m.notify:
		}

		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return ErrClosed
		}
	}
}

// ready marks the head of every idle partition in flight
func (m *Memory) ready() []*Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.partitions))
	for key, p := range m.partitions {
		if !p.inflight && p.offset < len(p.messages) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	deliveries := make([]*Delivery, 0, len(keys))
	for _, key := range keys {
		p := m.partitions[key]
		p.inflight = true
		p.attempts++
		offset := p.offset
		deliveries = append(deliveries, NewDelivery(p.messages[offset], p.attempts, func(_ context.Context, complete bool) error {
			m.settle(p, offset, complete)
			return nil
		}))
	}
	return deliveries
}

func (m *Memory) settle(p *memoryPartition, offset int, complete bool) {
	m.mu.Lock()
	if p.offset == offset {
		if complete {
			p.offset++
			p.attempts = 0
		}
		p.inflight = false
	}
	m.mu.Unlock()

	m.wake()
}

func (m *Memory) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of messages not yet completed
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for _, p := range m.partitions {
		n += len(p.messages) - p.offset
	}
	return n
}

// Messages returns a copy of everything published to a partition
func (m *Memory) Messages(key string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.partitions[key]
	if !ok {
		return nil
	}
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Close stops the log. Consume returns ErrClosed.
func (m *Memory) Close(_ context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
	return nil
}
