package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func TestContextFields_Empty(t *testing.T) {
	// No span, no identifiers
	ctx := context.Background()
	fields := ContextFields(ctx)
	assert.Empty(t, fields)
}

func TestContextFields_OTELTracing(t *testing.T) {
	// Create real OTEL tracer with in-memory exporter
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)
	tracer := provider.Tracer("test")

	ctx, span := tracer.Start(context.Background(), "test-operation")
	defer span.End()

	fields := ContextFields(ctx)

	// Should have trace_id and span_id
	var hasTraceID, hasSpanID bool
	for _, f := range fields {
		if f.Key == "trace_id" {
			hasTraceID = true
			assert.NotEmpty(t, f.String, "trace_id should not be empty")
		}
		if f.Key == "span_id" {
			hasSpanID = true
			assert.NotEmpty(t, f.String, "span_id should not be empty")
		}
	}
	assert.True(t, hasTraceID, "trace_id field missing from context fields")
	assert.True(t, hasSpanID, "span_id field missing from context fields")
}

func TestContextFields_OTELSampling(t *testing.T) {
	// Test with sampled span (always sample)
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(
		trace.WithSampler(trace.AlwaysSample()),
		trace.WithBatcher(exporter),
	)
	tracer := provider.Tracer("test")

	ctx, span := tracer.Start(context.Background(), "sampled-operation")
	defer span.End()

	fields := ContextFields(ctx)

	// Should have trace_sampled=true
	assertBoolFieldExists(t, fields, "trace_sampled", true)
}

func TestContextFields_UserRef(t *testing.T) {
	ctx := WithUserRef(context.Background(), "user-7f3a")

	fields := ContextFields(ctx)

	assert.Len(t, fields, 1)
	assertFieldExists(t, fields, "user.ref", "user-7f3a")
}

func TestContextFields_Session(t *testing.T) {
	ctx := context.WithValue(context.Background(), sessionCtxKey{}, "sess_123")

	fields := ContextFields(ctx)

	assert.Len(t, fields, 1)
	assertFieldExists(t, fields, "session.id", "sess_123")
}

func TestContextFields_Request(t *testing.T) {
	ctx := context.WithValue(context.Background(), requestCtxKey{}, "req_456")

	fields := ContextFields(ctx)

	assert.Len(t, fields, 1)
	assertFieldExists(t, fields, "request.id", "req_456")
}

func TestContextFields_AllIdentifiers(t *testing.T) {
	ctx := WithUserRef(context.Background(), "user-1")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithRequestID(ctx, "req-1")

	fields := ContextFields(ctx)

	assert.Len(t, fields, 3)
	assertFieldExists(t, fields, "user.ref", "user-1")
	assertFieldExists(t, fields, "session.id", "sess-1")
	assertFieldExists(t, fields, "request.id", "req-1")
}

func assertFieldExists(t *testing.T, fields []zap.Field, key, expected string) {
	t.Helper()
	for _, field := range fields {
		if field.Key == key && field.String == expected {
			return
		}
	}
	t.Errorf("field %q with value %q not found", key, expected)
}

func assertBoolFieldExists(t *testing.T, fields []zap.Field, key string, expected bool) {
	t.Helper()
	for _, field := range fields {
		if field.Key == key {
			// zap stores bool as integer (1 for true, 0 for false)
			if expected && field.Integer == 1 {
				return
			} else if !expected && field.Integer == 0 {
				return
			}
		}
	}
	t.Errorf("bool field %q with value %v not found", key, expected)
}

func TestLogger_InContext(t *testing.T) {
	logger := &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
	ctx := WithLogger(context.Background(), logger)

	retrieved := FromContext(ctx)
	assert.Equal(t, logger, retrieved)
}

func TestLogger_FromContextMissing(t *testing.T) {
	ctx := context.Background()
	retrieved := FromContext(ctx)

	// Should return default logger (nop for test)
	assert.NotNil(t, retrieved)
}

// Validation tests

func TestWithUserRef_Valid(t *testing.T) {
	tests := []struct {
		name    string
		userRef string
	}{
		{"simple", "user-7f3a"},
		{"with underscores", "user_7f3a"},
		{"uuid style", "0b5c2f6a-1f55-4f7e-a9ad-bd4f6b2d9a11"},
		{"alphanumeric", "usr42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithUserRef(context.Background(), tt.userRef)
			assert.Equal(t, tt.userRef, UserRefFromContext(ctx))
		})
	}
}

func TestWithUserRef_EmptyPanics(t *testing.T) {
	assert.PanicsWithValue(t, "logging: userRef cannot be empty", func() {
		WithUserRef(context.Background(), "")
	})
}

func TestWithUserRef_InvalidCharactersPanics(t *testing.T) {
	tests := []struct {
		name    string
		userRef string
	}{
		{"with spaces", "user 1"},
		{"with slash", "user/1"},
		{"with at sign", "user@example.com"},
		{"with dots", "user.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, func() {
				WithUserRef(context.Background(), tt.userRef)
			})
		})
	}
}

func TestWithUserRef_TooLongPanics(t *testing.T) {
	longRef := strings.Repeat("a", maxIDLen+1)

	assert.Panics(t, func() {
		WithUserRef(context.Background(), longRef)
	})
}

func TestValidRef(t *testing.T) {
	tests := []struct {
		ref  string
		want bool
	}{
		{"user-7f3a", true},
		{"sess_123", true},
		{"0b5c2f6a-1f55-4f7e-a9ad-bd4f6b2d9a11", true},
		{"", false},
		{"user 1", false},
		{"user@example.com", false},
		{strings.Repeat("a", maxIDLen+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidRef(tt.ref))
		})
	}
}

func TestWithSessionID_Valid(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
	}{
		{"simple", "sess_123"},
		{"with hyphens", "sess-abc-123"},
		{"with underscores", "sess_abc_123"},
		{"alphanumeric", "sessABC123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithSessionID(context.Background(), tt.sessionID)
			retrieved := SessionIDFromContext(ctx)
			assert.Equal(t, tt.sessionID, retrieved)
		})
	}
}

func TestWithSessionID_EmptyPanics(t *testing.T) {
	assert.PanicsWithValue(t, "logging: sessionID cannot be empty", func() {
		WithSessionID(context.Background(), "")
	})
}

func TestWithSessionID_InvalidCharactersPanics(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
	}{
		{"with spaces", "sess 123"},
		{"with slash", "sess/123"},
		{"with special chars", "sess@123"},
		{"with dots", "sess.123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, func() {
				WithSessionID(context.Background(), tt.sessionID)
			})
		})
	}
}

func TestWithSessionID_TooLongPanics(t *testing.T) {
	longID := strings.Repeat("a", maxIDLen+1)

	assert.Panics(t, func() {
		WithSessionID(context.Background(), longID)
	})
}

func TestWithRequestID_Valid(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
	}{
		{"simple", "req_456"},
		{"with hyphens", "req-abc-456"},
		{"with underscores", "req_abc_456"},
		{"alphanumeric", "reqABC456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithRequestID(context.Background(), tt.requestID)
			retrieved := RequestIDFromContext(ctx)
			assert.Equal(t, tt.requestID, retrieved)
		})
	}
}

func TestWithRequestID_EmptyPanics(t *testing.T) {
	assert.PanicsWithValue(t, "logging: requestID cannot be empty", func() {
		WithRequestID(context.Background(), "")
	})
}

func TestWithRequestID_InvalidCharactersPanics(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
	}{
		{"with spaces", "req 456"},
		{"with slash", "req/456"},
		{"with special chars", "req@456"},
		{"with dots", "req.456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, func() {
				WithRequestID(context.Background(), tt.requestID)
			})
		})
	}
}

func TestWithRequestID_TooLongPanics(t *testing.T) {
	longID := strings.Repeat("a", maxIDLen+1)

	assert.Panics(t, func() {
		WithRequestID(context.Background(), longID)
	})
}
