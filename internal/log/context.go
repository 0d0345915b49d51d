// SPDX-License-Identifier: MIT

package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	jobIDKey     ctxKey = "job_id"
	uploadIDKey  ctxKey = "upload_id"
)

// ContextWithRequestID stores the provided request ID in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// ContextWithJobID stores the provided job ID in the context.
func ContextWithJobID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, jobIDKey, id)
}

// ContextWithUploadID stores the provided upload ID in the context.
func ContextWithUploadID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, uploadIDKey, id)
}

// RequestIDFromContext extracts the request ID from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithComponentFromContext builds a component logger enriched with any IDs
// carried by the context.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	lctx := logger().With().Str(FieldComponent, component)
	if ctx != nil {
		if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
			lctx = lctx.Str(FieldRequestID, v)
		}
		if v, ok := ctx.Value(jobIDKey).(string); ok && v != "" {
			lctx = lctx.Str(FieldJobID, v)
		}
		if v, ok := ctx.Value(uploadIDKey).(string); ok && v != "" {
			lctx = lctx.Str(FieldUploadID, v)
		}
	}
	return lctx.Logger()
}
