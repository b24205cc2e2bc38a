package client

import (
	"context"
	"math/rand"
	"time"
)

// delaySequence walks cfg.ConnectDelays, reusing the last entry once
// exhausted, optionally perturbed by cfg.ReconnectJitter — the fixed-list
// reconnect policy this client exposes instead of network.Backoff's
// exponential model, per the client's documented reconnect contract. An
// empty ConnectDelays means "no retry": next reports no further delay.
type delaySequence struct {
	delays []time.Duration
	jitter float64
	index  int
}

func newDelaySequence(cfg *Config) *delaySequence {
	return &delaySequence{delays: cfg.ConnectDelays, jitter: cfg.ReconnectJitter}
}

func (d *delaySequence) next() (time.Duration, bool) {
	if len(d.delays) == 0 {
		return 0, false
	}

	idx := d.index
	if idx >= len(d.delays) {
		idx = len(d.delays) - 1
	} else {
		d.index++
	}

	delay := d.delays[idx]
	if d.jitter <= 0 {
		return delay, true
	}

	spread := float64(delay) * d.jitter
	delay = delay - time.Duration(spread) + time.Duration(rand.Float64()*2*spread)
	if delay < 0 {
		delay = 0
	}
	return delay, true
}

func (d *delaySequence) reset() {
	d.index = 0
}

// reconnectLoop retries connectFn using the delay sequence until it
// succeeds, ctx is canceled, or the sequence is exhausted (only possible
// when ConnectDelays is empty, since a non-empty list reuses its last
// value forever).
func reconnectLoop(ctx context.Context, seq *delaySequence, connectFn func() error) error {
	seq.reset()

	err := connectFn()
	for err != nil {
		delay, ok := seq.next()
		if !ok {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		err = connectFn()
	}

	return nil
}
