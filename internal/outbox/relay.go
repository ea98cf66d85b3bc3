package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/blog/config"
	"example.com/backstage/services/blog/internal/backoff"
	"example.com/backstage/services/blog/internal/eventlog"
	"example.com/backstage/services/blog/internal/metrics"
	"example.com/backstage/services/blog/internal/models"
	"example.com/backstage/services/blog/internal/store"
)

// inflightTimeout bounds the publish and mark of the record in flight when
// the relay is asked to stop
const inflightTimeout = 10 * time.Second

type partitionState struct {
	failures int
	retryAt  time.Time
}

// Relay drains the outbox into the event log. Records of one partition are
// published strictly in sequence order; a failed record parks its partition
// until the backoff expires while other partitions keep flowing.
type Relay struct {
	outbox      store.Outbox
	publisher   eventlog.Publisher
	metrics     *metrics.Metrics
	interval    time.Duration
	batchSize   int
	concurrency int
	policy      backoff.Policy

	mu     sync.Mutex
	parked map[string]*partitionState
	now    func() time.Time
}

// NewRelay creates a relay from its configuration
func NewRelay(outbox store.Outbox, publisher eventlog.Publisher, cfg config.RelayConfig, m *metrics.Metrics) *Relay {
	r := &Relay{
		outbox:      outbox,
		publisher:   publisher,
		metrics:     m,
		interval:    cfg.PollInterval,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		policy:      backoff.Policy{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff},
		parked:      make(map[string]*partitionState),
		now:         time.Now,
	}
	if r.interval <= 0 {
		r.interval = time.Second
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	if r.concurrency <= 0 {
		r.concurrency = 8
	}
	return r
}

// Run polls the outbox until ctx is done
func (r *Relay) Run(ctx context.Context) error {
	log.Info().
		Dur("poll_interval", r.interval).
		Int("batch_size", r.batchSize).
		Int("concurrency", r.concurrency).
		Msg("Outbox relay started")

	for {
		delivered, err := r.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Outbox drain failed")
		}

		if backlog, err := r.outbox.Backlog(context.WithoutCancel(ctx)); err == nil {
			r.metrics.SetGauge(metrics.GaugeOutboxBacklog, backlog)
		}

		if ctx.Err() != nil {
			log.Info().Msg("Outbox relay stopped")
			return nil
		}

		// A full batch means more is probably waiting
		if delivered >= r.batchSize {
			continue
		}
		if err := backoff.Sleep(ctx, r.interval); err != nil {
			log.Info().Msg("Outbox relay stopped")
			return nil
		}
	}
}

// Drain runs one pass over the undelivered records and returns how many
// were delivered
func (r *Relay) Drain(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}

	records, err := r.outbox.Undelivered(ctx, r.batchSize, r.parkedKeys())
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	var (
		mu        sync.Mutex
		delivered int
	)
	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)

	for _, batch := range groupByPartition(records) {
		batch := batch
		g.Go(func() error {
			n := r.drainPartition(ctx, batch)
			mu.Lock()
			delivered += n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return delivered, nil
}

// drainPartition publishes the records in order and stops at the first failure
func (r *Relay) drainPartition(ctx context.Context, records []models.OutboxRecord) int {
	var delivered int
	for _, rec := range records {
		if ctx.Err() != nil {
			return delivered
		}
		if err := r.deliver(ctx, rec); err != nil {
			r.park(rec.PartitionKey)
			log.Warn().
				Err(err).
				Str("partition_key", rec.PartitionKey).
				Int64("sequence", rec.Sequence).
				Msg("Failed to relay outbox record")
			return delivered
		}
		delivered++
	}
	r.release(records[0].PartitionKey)
	return delivered
}

// deliver publishes one record and marks it delivered. Both steps run on a
// context detached from ctx so a shutdown never splits them.
func (r *Relay) deliver(ctx context.Context, rec models.OutboxRecord) error {
	inflight, cancel := context.WithTimeout(context.WithoutCancel(ctx), inflightTimeout)
	defer cancel()

	start := time.Now()
	err := r.publisher.Publish(inflight, eventlog.Message{
		ID:           rec.EventID,
		PartitionKey: rec.PartitionKey,
		Sequence:     rec.Sequence,
		EventType:    rec.EventType,
		Body:         rec.Payload,
	})
	r.metrics.RecordTimer(metrics.TimerPublish, time.Since(start))
	if err != nil {
		r.metrics.IncrementCounter(metrics.CounterRelayFailures)
		if ferr := r.outbox.RecordFailure(inflight, rec.ID, err); ferr != nil {
			log.Error().Err(ferr).Uint("record_id", rec.ID).Msg("Failed to record relay failure")
		}
		return err
	}

	// A failure here republishes the record on the next pass; the
	// projector discards the duplicate.
	if err := r.outbox.MarkDelivered(inflight, rec.ID); err != nil {
		return err
	}
	r.metrics.IncrementCounter(metrics.CounterRelayPublished)

	log.Debug().
		Str("partition_key", rec.PartitionKey).
		Int64("sequence", rec.Sequence).
		Str("event_type", rec.EventType).
		Msg("Outbox record relayed")
	return nil
}

func (r *Relay) park(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.parked[key]
	if !ok {
		state = &partitionState{}
		r.parked[key] = state
	}
	state.failures++
	state.retryAt = r.now().Add(r.policy.Delay(state.failures))
}

func (r *Relay) release(key string) {
	r.mu.Lock()
	delete(r.parked, key)
	r.mu.Unlock()
}

// parkedKeys lists the partitions still waiting out their backoff
func (r *Relay) parkedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	keys := make([]string, 0, len(r.parked))
	for key, state := range r.parked {
		if now.Before(state.retryAt) {
			keys = append(keys, key)
		}
	}
	return keys
}

func groupByPartition(records []models.OutboxRecord) [][]models.OutboxRecord {
	var groups [][]models.OutboxRecord
	index := make(map[string]int)
	for _, rec := range records {
		i, ok := index[rec.PartitionKey]
		if !ok {
			i = len(groups)
			index[rec.PartitionKey] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}
	return groups
}
