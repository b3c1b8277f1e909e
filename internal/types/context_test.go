package types

import (
	"context"
	"testing"
)

func TestWithActor_GetActor(t *testing.T) {
	t.Run("round-trip stores and retrieves actor", func(t *testing.T) {
		ctx := WithActor(context.Background(), Actor{UserID: "user-123", Email: "a@example.com"})
		got, ok := GetActor(ctx)
		if !ok {
			t.Fatal("expected ok to be true")
		}
		if got.UserID != "user-123" || got.Email != "a@example.com" {
			t.Errorf("unexpected actor: %+v", got)
		}
	})

	t.Run("missing actor", func(t *testing.T) {
		if _, ok := GetActor(context.Background()); ok {
			t.Error("expected ok to be false on empty context")
		}
	})

	t.Run("actor without user id is treated as absent", func(t *testing.T) {
		ctx := WithActor(context.Background(), Actor{Email: "a@example.com"})
		if _, ok := GetActor(ctx); ok {
			t.Error("expected ok to be false for an actor without a user id")
		}
	})
}

func TestRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("GetRequestID() = %q, want req-1", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}
