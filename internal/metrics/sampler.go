package metrics

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
)

// Probe reads one gauge value from a backing store
type Probe struct {
	Gauge string
	Read  func(ctx context.Context) (int64, error)
}

// RunSampler refreshes the probed gauges every interval until ctx is done
func RunSampler(ctx context.Context, m *Metrics, interval time.Duration, probes ...Probe) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	sample := func() {
		for _, p := range probes {
			value, err := p.Read(ctx)
			if err != nil {
				log.Warn().Err(err).Str("gauge", p.Gauge).Msg("Failed to sample gauge")
				continue
			}
			m.SetGauge(p.Gauge, value)
		}
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(sample),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	scheduler.Start()

	<-ctx.Done()

	return scheduler.Shutdown()
}
