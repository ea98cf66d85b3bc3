package eventlog

import (
	"context"
	"sync"
)

// Message is one event on the log. PartitionKey is the article id.
type Message struct {
	ID           string
	PartitionKey string
	Sequence     int64
	EventType    string
	Body         []byte
}

// Delivery is a received message that must be settled exactly once.
// Completing it advances the partition; abandoning it makes the log
// redeliver it before any later message of the same partition.
type Delivery struct {
	Message
	DeliveryCount int

	once   sync.Once
	settle func(ctx context.Context, complete bool) error
}

// NewDelivery wraps a message with its settle callback
func NewDelivery(msg Message, deliveryCount int, settle func(ctx context.Context, complete bool) error) *Delivery {
	return &Delivery{Message: msg, DeliveryCount: deliveryCount, settle: settle}
}

// Complete acknowledges the delivery
func (d *Delivery) Complete(ctx context.Context) error {
	return d.finish(ctx, true)
}

// Abandon returns the delivery to the log
func (d *Delivery) Abandon(ctx context.Context) error {
	return d.finish(ctx, false)
}

func (d *Delivery) finish(ctx context.Context, complete bool) error {
	var err error
	d.once.Do(func() {
		if d.settle != nil {
			err = d.settle(ctx, complete)
		}
	})
	return err
}

// Handler takes ownership of a delivery and settles it, possibly later and
// from another goroutine. A returned error abandons the delivery at once.
type Handler func(ctx context.Context, d *Delivery) error

// Publisher appends messages to the log
type Publisher interface {
	// Publish returns once the log has durably accepted the message
	Publish(ctx context.Context, msg Message) error
}

// Consumer receives messages in publish order per partition key
type Consumer interface {
	// Consume blocks until ctx is done or the log fails
	Consume(ctx context.Context, h Handler) error
}

// Log is a partitioned, at-least-once event log
type Log interface {
	Publisher
	Consumer
	Close(ctx context.Context) error
}

// Supported drivers
const (
	DriverServiceBus = "servicebus"
	DriverMemory     = "memory"
)
