package main

import (
	"go.uber.org/zap"

	"github.com/aristath/swarm/internal/events"
)

// progressBuffer is the bus buffer of the headless progress subscription.
const progressBuffer = 64

// watchProgress logs every progress snapshot on sub until the bus closes. The
// returned channel is closed once the subscription is drained.
func watchProgress(sub <-chan events.Event, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub {
			p, ok := ev.(events.ProgressEvent)
			if !ok {
				continue
			}
			logger.Info("progress",
				zap.Int("completed", p.Completed),
				zap.Int("total", p.Total),
				zap.Int("running", p.Running),
				zap.Int("pending", p.Pending),
				zap.Int("failed", p.Failed),
				zap.Int("cancelled", p.Cancelled),
			)
		}
	}()
	return done
}

// warnUnrecorded reports audit events that never reached the store, either
// because the store rejected them or because a full subscriber missed them.
func warnUnrecorded(logger *zap.Logger, failures int, dropped uint64) {
	if failures > 0 {
		logger.Warn("some events were not recorded", zap.Int("failures", failures))
	}
	if dropped > 0 {
		logger.Warn("event bus dropped deliveries to full subscribers", zap.Uint64("dropped", dropped))
	}
}
