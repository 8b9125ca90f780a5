package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultDedupeWindow = 4096

type subscriber struct {
	name    string
	kinds   map[Kind]struct{}
	handler Handler
}

func (s *subscriber) wants(kind Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Bus delivers events synchronously, in subscription order, on the
// publisher's goroutine. Handler errors and panics are logged and never
// reach the publisher.
type Bus struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers []*subscriber

	dedupeMu     sync.Mutex
	recentIDs    map[string]struct{}
	recentOrder  []string
	dedupeWindow int
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:       logger.With("component", "events"),
		recentIDs:    make(map[string]struct{}),
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		dedupeWindow: defaultDedupeWindow,
	}
}

// Subscribe registers handler for kinds, or for every kind when none are
// given.
func (b *Bus) Subscribe(name string, handler Handler, kinds ...Kind) {
	sub := &subscriber{name: name, handler: handler, kinds: make(map[Kind]struct{}, len(kinds))}
	for _, k := range kinds {
		sub.kinds[k] = struct{}{}
	}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
}

func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if event.ID != "" && b.isDuplicate(event.ID) {
		return
	}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.wants(event.Kind) {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := b.deliver(ctx, sub, event); err != nil {
			b.logger.Warn("event handler failed",
				"subscriber", sub.name,
				"kind", event.Kind,
				"plan_execution_id", event.PlanExecutionID,
				"node_execution_id", event.NodeExecutionID,
				"error", err,
			)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, sub *subscriber, event Event) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v", v)
		}
	}()
	return sub.handler(ctx, event)
}

func (b *Bus) isDuplicate(id string) bool {
	b.dedupeMu.Lock()
	defer b.dedupeMu.Unlock()
	if _, ok := b.recentIDs[id]; ok {
		return true
	}
	b.recentIDs[id] = struct{}{}
	b.recentOrder = append(b.recentOrder, id)
	if len(b.recentOrder) > b.dedupeWindow {
		oldest := b.recentOrder[0]
		b.recentOrder = b.recentOrder[1:]
		delete(b.recentIDs, oldest)
	}
	return false
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
