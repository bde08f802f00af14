package logic

import (
	"time"

	"github.com/raskyld/splitgate/pkg/telemetry"
)

// startWatchdog watches the gateway heartbeat from its own goroutine, so
// that a stuck loop cannot hide a dead gateway.
func (c *Connector) startWatchdog() {
	if c.ctx == nil || c.cfg.watchdogThreshold < 0 {
		return
	}
	c.wg.Add(1)
	go c.watch()
}

func (c *Connector) watch() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.watchdogPoll)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		age := time.Since(time.Unix(0, c.lastBeat.Load()))
		c.msink.SetGaugeWithLabels(telemetry.MetricHeartbeatAge, float32(age.Milliseconds()), c.labels)
		if age <= c.cfg.watchdogThreshold {
			continue
		}

		if c.watchdogFired.CompareAndSwap(false, true) {
			c.logger.Error("gateway did not send regular heartbeats, aborting",
				telemetry.LabelDuration.L(age))
			c.abort()
		}
		c.touch()
	}
}

func (c *Connector) abort() {
	if c.cfg.onWatchdog != nil {
		c.cfg.onWatchdog()
		return
	}
	c.lp.Post(func() { c.shutdown(ErrWatchdog) })
}
