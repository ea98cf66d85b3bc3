package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/blog/config"
	"example.com/backstage/services/blog/internal/domain"
)

// Application property names carried on every Service Bus message
const (
	propEventType = "event_type"
	propSequence  = "sequence"
)

// ServiceBus is the event log backed by a session-enabled Azure Service Bus
// queue. The session id is the partition key, so the broker keeps
// per-article FIFO order and locks a session to one receiver at a time.
type ServiceBus struct {
	client       *azservicebus.Client
	sender       *azservicebus.Sender
	queueName    string
	receiveBatch int
	maxSessions  int
}

// NewServiceBus connects to the queue configured in cfg
func NewServiceBus(cfg config.AzureConfig) (*ServiceBus, error) {
	if cfg.QueueConnStr == "" {
		return nil, fmt.Errorf("azure service bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("failed to create service bus sender: %w", err)
	}

	batch := cfg.ReceiveBatch
	if batch <= 0 {
		batch = 10
	}
	sessions := cfg.MaxSessions
	if sessions <= 0 {
		sessions = 16
	}

	return &ServiceBus{
		client:       client,
		sender:       sender,
		queueName:    cfg.QueueName,
		receiveBatch: batch,
		maxSessions:  sessions,
	}, nil
}

// Publish sends the message into the session of its partition key
func (s *ServiceBus) Publish(ctx context.Context, msg Message) error {
	sessionID := msg.PartitionKey
	messageID := msg.ID
	if messageID == "" {
		messageID = msg.PartitionKey + ":" + strconv.FormatInt(msg.Sequence, 10)
	}
	contentType := "application/json"

	err := s.sender.SendMessage(ctx, &azservicebus.Message{
		MessageID:   &messageID,
		SessionID:   &sessionID,
		ContentType: &contentType,
		Body:        msg.Body,
		ApplicationProperties: map[string]interface{}{
			propEventType: msg.EventType,
			propSequence:  msg.Sequence,
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientDelivery, err)
	}
	return nil
}

// Consume accepts sessions as they become available and drains each on its
// own goroutine, at most maxSessions at a time
func (s *ServiceBus) Consume(ctx context.Context, h Handler) error {
	log.Info().Str("queue", s.queueName).Msg("Starting session consumers")

	slots := make(chan struct{}, s.maxSessions)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case slots <- struct{}{}:
		}

		receiver, err := s.client.AcceptNextSessionForQueue(ctx, s.queueName, nil)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				return nil
			}
			var sbErr *azservicebus.Error
			switch {
			case errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout:
				log.Debug().Msg("No session available, waiting...")
			case errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeUnauthorizedAccess:
				return fmt.Errorf("failed to accept session: %w", err)
			default:
				log.Error().Err(err).Str("queue", s.queueName).Msg("Failed to accept session, retrying")
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
			}
			continue
		}

		log.Debug().Str("session_id", receiver.SessionID()).Msg("Session accepted")

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			s.handleSession(ctx, receiver, h)
		}()
	}
}

func (s *ServiceBus) handleSession(ctx context.Context, receiver *azservicebus.SessionReceiver, h Handler) {
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Str("session_id", receiver.SessionID()).Msg("Error closing session")
		}
	}()

	for {
		messages, err := receiver.ReceiveMessages(ctx, s.receiveBatch, nil)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("session_id", receiver.SessionID()).Msg("Error receiving messages")
			}
			return
		}
		if len(messages) == 0 {
			return
		}

		// The session lock is held until every delivery of the batch is
		// settled, so the next batch cannot overtake an abandoned message.
		var settled sync.WaitGroup
		for _, received := range messages {
			settled.Add(1)
			d := s.delivery(receiver, received, settled.Done)
			if err := h(ctx, d); err != nil {
				log.Warn().Err(err).Str("message_id", received.MessageID).Msg("Handler rejected message")
				_ = d.Abandon(context.Background())
			}
		}
		settled.Wait()

		if ctx.Err() != nil {
			return
		}
	}
}

func (s *ServiceBus) delivery(receiver *azservicebus.SessionReceiver, received *azservicebus.ReceivedMessage, done func()) *Delivery {
	msg := Message{
		ID:   received.MessageID,
		Body: received.Body,
	}
	if received.SessionID != nil {
		msg.PartitionKey = *received.SessionID
	}
	if v, ok := received.ApplicationProperties[propEventType].(string); ok {
		msg.EventType = v
	}
	msg.Sequence = sequenceProperty(received.ApplicationProperties[propSequence])

	return NewDelivery(msg, int(received.DeliveryCount), func(ctx context.Context, complete bool) error {
		defer done()
		if complete {
			if err := receiver.CompleteMessage(ctx, received, nil); err != nil {
				log.Error().Err(err).Str("message_id", received.MessageID).Msg("CompleteMessage failed")
				return err
			}
			return nil
		}
		if err := receiver.AbandonMessage(ctx, received, nil); err != nil {
			log.Error().Err(err).Str("message_id", received.MessageID).Msg("AbandonMessage failed")
			return err
		}
		return nil
	})
}

func sequenceProperty(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// Close closes the sender and the client
func (s *ServiceBus) Close(ctx context.Context) error {
	if s.sender != nil {
		if err := s.sender.Close(ctx); err != nil {
			return err
		}
	}
	if s.client != nil {
		return s.client.Close(ctx)
	}
	return nil
}
