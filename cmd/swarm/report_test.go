package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aristath/swarm/internal/events"
)

func TestWatchProgressLogsSnapshots(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	bus := events.NewEventBus()
	done := watchProgress(bus.Subscribe(events.TopicProgress, progressBuffer), zap.New(core))

	bus.Emit(events.TaskEvent{ID: "t1", Status: "running"})
	bus.Emit(events.ProgressEvent{Total: 3, Completed: 1, Running: 2})
	bus.Emit(events.ProgressEvent{Total: 3, Completed: 3})
	bus.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("progress watcher did not stop after the bus closed")
	}

	entries := logs.FilterMessage("progress").All()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].ContextMap()["completed"])
	assert.Equal(t, int64(3), entries[1].ContextMap()["completed"])
	assert.Equal(t, int64(3), entries[1].ContextMap()["total"])
}

func TestWarnUnrecordedReportsBusDrops(t *testing.T) {
	bus := events.NewEventBus()
	_ = bus.SubscribeAll(1)
	for i := 0; i < 3; i++ {
		bus.Emit(events.ProgressEvent{Total: i})
	}
	bus.Close()
	require.Equal(t, uint64(2), bus.Dropped())

	core, logs := observer.New(zapcore.WarnLevel)
	warnUnrecorded(zap.New(core), 0, bus.Dropped())

	dropped := logs.FilterMessage("event bus dropped deliveries to full subscribers").All()
	require.Len(t, dropped, 1)
	assert.Equal(t, uint64(2), dropped[0].ContextMap()["dropped"])
	assert.Zero(t, logs.FilterMessage("some events were not recorded").Len())

	core, logs = observer.New(zapcore.WarnLevel)
	warnUnrecorded(zap.New(core), 4, 0)
	assert.Equal(t, 1, logs.FilterMessage("some events were not recorded").Len())
	assert.Equal(t, 1, logs.Len())

	core, logs = observer.New(zapcore.WarnLevel)
	warnUnrecorded(zap.New(core), 0, 0)
	assert.Zero(t, logs.Len())
}
