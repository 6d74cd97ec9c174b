package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type contextKey string

const (
	// TraceIDHeader carries the request trace id. Clients may supply their
	// own; absent headers get a minted v7 id.
	TraceIDHeader = "X-Trace-ID"

	ctxKeyTraceID contextKey = "trace_id"
	ctxKeyActorID contextKey = "actor_id"

	// ActorIDHeader identifies the human or system behind a mutating call.
	// It feeds the actor column of the audit log.
	ActorIDHeader = "X-Actor-ID"
)

// TraceID injects a trace id into the context and response header.
func TraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		tid := c.GetHeader(TraceIDHeader)
		if tid == "" {
			id, _ := uuid.NewV7()
			tid = "trace-" + id.String()
		}
		ctx := context.WithValue(c.Request.Context(), ctxKeyTraceID, tid)
		if actor := c.GetHeader(ActorIDHeader); actor != "" {
			ctx = context.WithValue(ctx, ctxKeyActorID, actor)
		}
		c.Set(string(ctxKeyTraceID), tid)
		c.Writer.Header().Set(TraceIDHeader, tid)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// GetTraceID extracts the trace id from context.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyTraceID).(string); ok {
		return v
	}
	return ""
}

// GetActorID extracts the caller identity from context.
func GetActorID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyActorID).(string); ok {
		return v
	}
	return ""
}
