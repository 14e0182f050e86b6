// Package requestctx carries request-scoped values shared by the HTTP layer and services: the
// scoped logger, trace metadata and the caller the request acted as.
package requestctx

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type (
	loggerKey struct{}
	traceKey  struct{}
	callerKey struct{}
)

var noopLogger = zap.NewNop()

// TraceInfo is the Cloud Trace context parsed from the incoming request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// Caller identifies who a request acted as. Guests have no UserID and carry the order their
// magic link grants.
type Caller struct {
	UserID  string
	Role    string
	OrderID string
}

// Fields renders the non-empty members as log fields.
func (c Caller) Fields() []zap.Field {
	fields := make([]zap.Field, 0, 3)
	if c.UserID != "" {
		fields = append(fields, zap.String("user_id", c.UserID))
	}
	if c.Role != "" {
		fields = append(fields, zap.String("role", c.Role))
	}
	if c.OrderID != "" {
		fields = append(fields, zap.String("scoped_order_id", c.OrderID))
	}
	return fields
}

// callerSlot is filled in while the request runs and read when it completes.
type callerSlot struct {
	mu     sync.Mutex
	caller Caller
	set    bool
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(orBackground(ctx), loggerKey{}, logger)
}

// Logger returns the request logger or a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && logger != nil {
			return logger
		}
	}
	return noopLogger
}

// NoopLogger is the logger returned when none is stored.
func NoopLogger() *zap.Logger { return noopLogger }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(orBackground(ctx), traceKey{}, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey{}).(TraceInfo)
	return info, ok
}

// TraceID returns the trace id or "".
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithCallerSlot prepares ctx so SetCaller calls made deeper in the handler chain are visible to
// whoever installed the slot.
func WithCallerSlot(ctx context.Context) context.Context {
	return context.WithValue(orBackground(ctx), callerKey{}, &callerSlot{})
}

// SetCaller records the caller. Later calls refine earlier ones: empty members keep the value
// already recorded. It is a no-op without a slot.
func SetCaller(ctx context.Context, caller Caller) {
	if ctx == nil {
		return
	}
	slot, ok := ctx.Value(callerKey{}).(*callerSlot)
	if !ok {
		return
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if caller.UserID != "" {
		slot.caller.UserID = caller.UserID
	}
	if caller.Role != "" {
		slot.caller.Role = caller.Role
	}
	if caller.OrderID != "" {
		slot.caller.OrderID = caller.OrderID
	}
	slot.set = true
}

// CallerFrom returns the recorded caller.
func CallerFrom(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	slot, ok := ctx.Value(callerKey{}).(*callerSlot)
	if !ok {
		return Caller{}, false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.caller, slot.set
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
