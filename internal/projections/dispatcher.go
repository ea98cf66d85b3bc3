package projections

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/backstage/services/blog/config"
	"example.com/backstage/services/blog/internal/backoff"
	"example.com/backstage/services/blog/internal/deadletter"
	"example.com/backstage/services/blog/internal/domain"
	"example.com/backstage/services/blog/internal/eventlog"
	"example.com/backstage/services/blog/internal/metrics"
	"example.com/backstage/services/blog/internal/models"
)

// applyTimeout bounds one apply of the message in flight once the
// dispatcher is shutting down
const applyTimeout = 30 * time.Second

// Applier applies one decoded event
type Applier interface {
	Apply(ctx context.Context, event domain.Event) error
}

// Sink receives events that exhausted their attempts
type Sink interface {
	Record(ctx context.Context, f deadletter.Failure) (models.DeadLetter, error)
}

type partitionWorker struct {
	key     string
	queue   chan *eventlog.Delivery
	pending int
}

// Dispatcher routes deliveries to one goroutine per partition key. Events of
// one article are applied one after the other; distinct articles run in
// parallel up to the configured concurrency.
type Dispatcher struct {
	applier     Applier
	sink        Sink
	metrics     *metrics.Metrics
	maxAttempts int
	policy      backoff.Policy
	queueSize   int
	idleTimeout time.Duration
	slots       chan struct{}

	mu      sync.Mutex
	workers map[string]*partitionWorker
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher from its configuration
func NewDispatcher(applier Applier, sink Sink, cfg config.ProjectorConfig, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{
		applier:     applier,
		sink:        sink,
		metrics:     m,
		maxAttempts: cfg.MaxAttempts,
		policy:      backoff.Policy{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff},
		queueSize:   cfg.PartitionQueue,
		idleTimeout: cfg.IdleTimeout,
		workers:     make(map[string]*partitionWorker),
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 5
	}
	if d.queueSize <= 0 {
		d.queueSize = 64
	}
	if d.idleTimeout <= 0 {
		d.idleTimeout = time.Minute
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 16
	}
	d.slots = make(chan struct{}, concurrency)
	return d
}

// Run consumes the log until ctx is done, then waits for every partition
// worker to settle its deliveries
func (d *Dispatcher) Run(ctx context.Context, consumer eventlog.Consumer) error {
	log.Info().
		Int("concurrency", cap(d.slots)).
		Int("max_attempts", d.maxAttempts).
		Msg("Projector dispatcher started")

	err := consumer.Consume(ctx, d.Handle)
	d.wg.Wait()

	log.Info().Msg("Projector dispatcher stopped")
	return err
}

// Handle queues a delivery on its partition worker, starting one if needed
func (d *Dispatcher) Handle(ctx context.Context, delivery *eventlog.Delivery) error {
	w, err := d.reserve(ctx, delivery.PartitionKey)
	if err != nil {
		return err
	}
	d.metrics.SetGauge(metrics.GaugeConsumerLagPrefix+w.key, int64(d.pendingOf(w)))

	// The reservation guarantees the worker stays alive until it has
	// received this delivery
	w.queue <- delivery
	return nil
}

// reserve returns the worker of key with its pending count already raised
func (d *Dispatcher) reserve(ctx context.Context, key string) (*partitionWorker, error) {
	d.mu.Lock()
	if w, ok := d.workers[key]; ok {
		w.pending++
		d.mu.Unlock()
		return w, nil
	}
	d.mu.Unlock()

	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.workers[key]; ok {
		<-d.slots
		w.pending++
		return w, nil
	}

	w := &partitionWorker{
		key:     key,
		queue:   make(chan *eventlog.Delivery, d.queueSize),
		pending: 1,
	}
	d.workers[key] = w
	d.metrics.SetGauge(metrics.GaugeActivePartitions, int64(len(d.workers)))

	d.wg.Add(1)
	go d.work(ctx, w)
	return w, nil
}

func (d *Dispatcher) pendingOf(w *partitionWorker) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return w.pending
}

func (d *Dispatcher) done(w *partitionWorker) {
	d.mu.Lock()
	w.pending--
	pending := w.pending
	d.mu.Unlock()
	d.metrics.SetGauge(metrics.GaugeConsumerLagPrefix+w.key, int64(pending))
}

// retire removes an idle worker. It fails when a delivery is on its way.
func (d *Dispatcher) retire(w *partitionWorker) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w.pending > 0 {
		return false
	}
	delete(d.workers, w.key)
	<-d.slots
	d.metrics.SetGauge(metrics.GaugeActivePartitions, int64(len(d.workers)))
	d.metrics.DeleteGauge(metrics.GaugeConsumerLagPrefix + w.key)
	return true
}

func (d *Dispatcher) work(ctx context.Context, w *partitionWorker) {
	defer d.wg.Done()

	idle := time.NewTimer(d.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case delivery := <-w.queue:
			d.process(ctx, delivery)
			d.done(w)
			// Hand the slot over at once when other partitions are waiting for one
			if len(d.slots) == cap(d.slots) && d.retire(w) {
				return
			}
			resetTimer(idle, d.idleTimeout)

		case <-idle.C:
			if d.retire(w) {
				return
			}
			idle.Reset(d.idleTimeout)

		case <-ctx.Done():
			d.drain(w)
			return
		}
	}
}

// drain abandons everything still queued so the log redelivers it
func (d *Dispatcher) drain(w *partitionWorker) {
	for !d.retire(w) {
		delivery := <-w.queue
		if err := delivery.Abandon(context.Background()); err != nil {
			log.Warn().Err(err).Str("partition_key", w.key).Msg("Failed to abandon delivery")
		}
		d.done(w)
	}
}

// process applies one delivery with bounded retries and always settles it
func (d *Dispatcher) process(ctx context.Context, delivery *eventlog.Delivery) {
	settleCtx := context.WithoutCancel(ctx)

	event, _, err := domain.Decode(delivery.Body)
	if err != nil {
		d.deadLetter(ctx, delivery, nil, err, 1)
		return
	}

	for attempt := 1; ; attempt++ {
		applyCtx, cancel := context.WithTimeout(settleCtx, applyTimeout)
		err = d.applier.Apply(applyCtx, event)
		cancel()

		if err == nil {
			if cerr := delivery.Complete(settleCtx); cerr != nil {
				log.Warn().Err(cerr).Str("article_id", event.GetArticleID()).Msg("Failed to complete delivery")
			}
			return
		}

		if errors.Is(err, domain.ErrPoisonMessage) || attempt >= d.maxAttempts {
			d.deadLetter(ctx, delivery, event, err, attempt)
			return
		}

		d.metrics.IncrementCounter(metrics.CounterApplyRetries)
		log.Warn().
			Err(err).
			Str("article_id", event.GetArticleID()).
			Int64("version", event.GetVersion()).
			Int("attempt", attempt).
			Msg("Apply failed, retrying")

		if backoff.Sleep(ctx, d.policy.Delay(attempt)) != nil {
			_ = delivery.Abandon(settleCtx)
			return
		}
	}
}

// deadLetter stores the failure and then completes the delivery so the
// partition moves on. If the sink itself is unavailable the delivery is
// abandoned rather than dropped.
func (d *Dispatcher) deadLetter(ctx context.Context, delivery *eventlog.Delivery, event domain.Event, cause error, attempts int) {
	settleCtx := context.WithoutCancel(ctx)

	failure := deadletter.Failure{
		EventType: delivery.EventType,
		Payload:   delivery.Body,
		Reason:    cause.Error(),
		Attempts:  attempts,
	}
	if event != nil {
		failure.ArticleID = event.GetArticleID()
		failure.EventType = event.GetType()
		failure.Version = event.GetVersion()
	}

	for attempt := 1; ; attempt++ {
		_, err := d.sink.Record(settleCtx, failure)
		if err == nil {
			break
		}
		log.Error().Err(err).Str("partition_key", delivery.PartitionKey).Msg("Failed to record dead letter")
		if backoff.Sleep(ctx, d.policy.Delay(attempt)) != nil {
			_ = delivery.Abandon(settleCtx)
			return
		}
	}

	if err := delivery.Complete(settleCtx); err != nil {
		log.Warn().Err(err).Str("partition_key", delivery.PartitionKey).Msg("Failed to complete dead-lettered delivery")
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
