package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/platform/auditlog"
	"github.com/animus-labs/animus-orchestrator/internal/platform/telemetry"
)

func newTestBus() *Bus {
	return NewBus(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestBusFiltersByKind(t *testing.T) {
	bus := newTestBus()
	var all, plans []Kind
	bus.Subscribe("all", func(ctx context.Context, e Event) error {
		all = append(all, e.Kind)
		return nil
	})
	bus.Subscribe("plans", func(ctx context.Context, e Event) error {
		plans = append(plans, e.Kind)
		return nil
	}, PlanStarted, PlanFinished)

	bus.Publish(context.Background(), Event{Kind: NodeStatusChanged})
	bus.Publish(context.Background(), Event{Kind: PlanFinished})

	assert.Equal(t, []Kind{NodeStatusChanged, PlanFinished}, all)
	assert.Equal(t, []Kind{PlanFinished}, plans)
}

func TestBusIsolatesFailingHandlers(t *testing.T) {
	bus := newTestBus()
	delivered := 0
	bus.Subscribe("errors", func(ctx context.Context, e Event) error { return errors.New("boom") })
	bus.Subscribe("panics", func(ctx context.Context, e Event) error { panic("boom") })
	bus.Subscribe("ok", func(ctx context.Context, e Event) error {
		delivered++
		return nil
	})

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), Event{Kind: PlanStarted})
	})
	assert.Equal(t, 1, delivered)
}

func TestBusDeduplicatesByID(t *testing.T) {
	bus := newTestBus()
	bus.dedupeWindow = 2
	count := 0
	bus.Subscribe("count", func(ctx context.Context, e Event) error {
		count++
		return nil
	})

	id := NodeEventID("n1", domain.StatusRunning, 2)
	bus.Publish(context.Background(), Event{ID: id, Kind: NodeStatusChanged})
	bus.Publish(context.Background(), Event{ID: id, Kind: NodeStatusChanged})
	assert.Equal(t, 1, count)

	bus.Publish(context.Background(), Event{ID: "b", Kind: NodeStatusChanged})
	bus.Publish(context.Background(), Event{ID: "c", Kind: NodeStatusChanged})
	bus.Publish(context.Background(), Event{ID: id, Kind: NodeStatusChanged})
	assert.Equal(t, 4, count, "ids beyond the window are delivered again")

	bus.Publish(context.Background(), Event{Kind: NodeStatusChanged})
	bus.Publish(context.Background(), Event{Kind: NodeStatusChanged})
	assert.Equal(t, 6, count)
}

func TestAuditSinkRecordsInterrupts(t *testing.T) {
	rec := &auditlog.MemoryRecorder{}
	bus := newTestBus()
	bus.Subscribe("audit", AuditSink(rec), AuditKinds...)

	bus.Publish(context.Background(), Event{Kind: NodeStatusChanged, PlanExecutionID: "p1"})
	bus.Publish(context.Background(), Event{
		Kind:            InterruptProcessed,
		PlanExecutionID: "p1",
		InterruptID:     "i1",
		Actor:           "alice",
		Attrs:           map[string]any{"type": "ABORT_ALL", "state": "PROCESSED_SUCCESSFULLY"},
	})

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "interrupt.processed", events[0].Action)
	assert.Equal(t, "interrupt", events[0].ResourceType)
	assert.Equal(t, "i1", events[0].ResourceID)
	assert.Equal(t, "alice", events[0].Actor)
}

func TestMetricsSink(t *testing.T) {
	m := telemetry.NewMetrics()
	bus := newTestBus()
	bus.Subscribe("metrics", MetricsSink(m))
	bus.Publish(context.Background(), Event{Kind: InterruptProcessed, Attrs: map[string]any{"type": "PAUSE_ALL", "state": "PROCESSED_SUCCESSFULLY"}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), `type="PAUSE_ALL"`))
}
