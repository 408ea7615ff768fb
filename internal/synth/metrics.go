package synth

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
)

// counters are bumped on the dispatch and audio paths with plain atomics; the
// metrics SDK only reads them from its collection callback.
type counters struct {
	dispatched    atomic.Uint64
	dropped       atomic.Uint64
	pulls         atomic.Uint64
	pullErrors    atomic.Uint64
	starts        atomic.Uint64
	startFailures atomic.Uint64
}

// Stats is a snapshot of the controller counters.
type Stats struct {
	Dispatched    uint64 `json:"dispatched"`
	Dropped       uint64 `json:"dropped"`
	Pulls         uint64 `json:"pulls"`
	PullErrors    uint64 `json:"pull_errors"`
	Starts        uint64 `json:"starts"`
	StartFailures uint64 `json:"start_failures"`
}

func (c *Controller) Stats() Stats {
	return Stats{
		Dispatched:    c.stats.dispatched.Load(),
		Dropped:       c.stats.dropped.Load(),
		Pulls:         c.stats.pulls.Load(),
		PullErrors:    c.stats.pullErrors.Load(),
		Starts:        c.stats.starts.Load(),
		StartFailures: c.stats.startFailures.Load(),
	}
}

func (c *Controller) registerMetrics(meter metric.Meter) error {
	if meter == nil {
		return nil
	}
	dispatched, err := meter.Int64ObservableCounter("scbridge.engine.packets.dispatched", metric.WithDescription("Packets handed to the engine"))
	if err != nil {
		return err
	}
	dropped, err := meter.Int64ObservableCounter("scbridge.engine.packets.dropped", metric.WithDescription("Packets dropped because the engine was not running or refused them"))
	if err != nil {
		return err
	}
	pulls, err := meter.Int64ObservableCounter("scbridge.engine.audio.pulls", metric.WithDescription("Audio pulls served"))
	if err != nil {
		return err
	}
	pullErrors, err := meter.Int64ObservableCounter("scbridge.engine.audio.pull_errors", metric.WithDescription("Audio pulls that produced no engine audio"))
	if err != nil {
		return err
	}
	startFailures, err := meter.Int64ObservableCounter("scbridge.engine.start_failures", metric.WithDescription("Failed engine starts"))
	if err != nil {
		return err
	}
	running, err := meter.Int64ObservableGauge("scbridge.engine.running", metric.WithDescription("1 while the engine accepts packets"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		s := c.Stats()
		obs.ObserveInt64(dispatched, int64(s.Dispatched))
		obs.ObserveInt64(dropped, int64(s.Dropped))
		obs.ObserveInt64(pulls, int64(s.Pulls))
		obs.ObserveInt64(pullErrors, int64(s.PullErrors))
		obs.ObserveInt64(startFailures, int64(s.StartFailures))
		var up int64
		if c.Running() {
			up = 1
		}
		obs.ObserveInt64(running, up)
		return nil
	}, dispatched, dropped, pulls, pullErrors, startFailures, running)
	return err
}
