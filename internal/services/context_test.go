package services_test

import (
	"context"
	"testing"

	"librarian/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithQueue(ctx, "file-deletion")
	ctx = services.WithJobID(ctx, "42")
	ctx = services.WithAttempt(ctx, 2)
	ctx = services.WithRequestID(ctx, "req-123")

	if name, ok := services.QueueFromContext(ctx); !ok || name != "file-deletion" {
		t.Fatalf("unexpected queue: %v %v", name, ok)
	}
	if id, ok := services.JobIDFromContext(ctx); !ok || id != "42" {
		t.Fatalf("unexpected job id: %v %v", id, ok)
	}
	if attempt, ok := services.AttemptFromContext(ctx); !ok || attempt != 2 {
		t.Fatalf("unexpected attempt: %v %v", attempt, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithQueue(ctx, "")
	ctx = services.WithAttempt(ctx, 0)
	if _, ok := services.QueueFromContext(ctx); ok {
		t.Fatal("expected no queue value")
	}
	if _, ok := services.AttemptFromContext(ctx); ok {
		t.Fatal("expected no attempt value")
	}
}
