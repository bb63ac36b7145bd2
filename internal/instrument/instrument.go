package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	instrumenterKey
)

// Instrumenter records timed spans around engine operations.
type Instrumenter interface {
	StartSpan(ctx context.Context, component, action string) (context.Context, Span)
}

// Span represents one timed operation (a plan build, a phase, a batch fetch).
type Span interface {
	End()
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetEntity(entity string)
}

// Event is a row in the _query_events table.
type Event struct {
	ExecutionID string         `json:"execution_id"`
	Source      string         `json:"source"`
	Component   string         `json:"component"`
	Action      string         `json:"action"`
	Entity      *string        `json:"entity"`
	Status      *string        `json:"status"`
	DurationMs  *float64       `json:"duration_ms"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewExecutionID generates an id for one eager-load call.
func NewExecutionID() string {
	return uuid.New().String()
}

// WithExecutionID sets the execution ID in the context.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// GetExecutionID returns the execution ID from the context.
func GetExecutionID(ctx context.Context) string {
	if v, ok := ctx.Value(executionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithInstrumenter sets the instrumenter in the context.
func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return context.WithValue(ctx, instrumenterKey, inst)
}

// GetInstrumenter returns the instrumenter from the context,
// or a NoopInstrumenter if none is set.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if v, ok := ctx.Value(instrumenterKey).(Instrumenter); ok {
		return v
	}
	return &NoopInstrumenter{}
}

// BufferedInstrumenter enqueues span events to an EventBuffer.
type BufferedInstrumenter struct {
	buffer *EventBuffer
}

func NewInstrumenter(buffer *EventBuffer) *BufferedInstrumenter {
	return &BufferedInstrumenter{buffer: buffer}
}

func (i *BufferedInstrumenter) StartSpan(ctx context.Context, component, action string) (context.Context, Span) {
	span := &bufferedSpan{
		executionID: GetExecutionID(ctx),
		component:   component,
		action:      action,
		startTime:   time.Now(),
		buffer:      i.buffer,
	}
	return ctx, span
}

type bufferedSpan struct {
	executionID string
	component   string
	action      string
	entity      *string
	status      *string
	startTime   time.Time
	metadata    map[string]any
	buffer      *EventBuffer
	mu          sync.Mutex
	ended       bool
}

func (s *bufferedSpan) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = &status
}

func (s *bufferedSpan) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
}

func (s *bufferedSpan) SetEntity(entity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entity = &entity
}

func (s *bufferedSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true

	durationMs := float64(time.Since(s.startTime).Microseconds()) / 1000.0

	s.buffer.Enqueue(Event{
		ExecutionID: s.executionID,
		Source:      "engine",
		Component:   s.component,
		Action:      s.action,
		Entity:      s.entity,
		Status:      s.status,
		DurationMs:  &durationMs,
		Metadata:    s.metadata,
	})
}
