package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names an application event emitted for audit and analytics.
type Type string

const (
	ConsentGiven     Type = "CONSENT_GIVEN"
	ConsentWithdrawn Type = "CONSENT_WITHDRAWN"
	ApplicationError Type = "APPLICATION_ERROR"
)

type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Handler receives every emitted event.
type Handler func(ctx context.Context, ev Event)

// Emitter is the narrow interface services depend on.
type Emitter interface {
	Emit(ctx context.Context, t Type, data map[string]any)
}

// Bus fans events out synchronously to its subscribers. A panicking
// subscriber is logged and does not affect the emitter or other subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *zap.SugaredLogger
}

func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{logger: logger}
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Bus) Emit(ctx context.Context, t Type, data map[string]any) {
	ev := Event{ID: uuid.NewString(), Type: t, Timestamp: time.Now().UTC(), Data: data}
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()
	for _, h := range handlers {
		b.dispatch(ctx, h, ev)
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Errorw("event handler panicked", "type", ev.Type, "id", ev.ID, "panic", r)
		}
	}()
	h(ctx, ev)
}

// AuditLogger returns a subscriber that writes every event to the log.
func AuditLogger(logger *zap.SugaredLogger) Handler {
	return func(_ context.Context, ev Event) {
		logger.Infow("audit event", "type", ev.Type, "id", ev.ID, "data", ev.Data)
	}
}

// Nop discards events; useful as a default in tests.
type Nop struct{}

func (Nop) Emit(context.Context, Type, map[string]any) {}
