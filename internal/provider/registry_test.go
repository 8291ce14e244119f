package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.uber.org/zap"
)

type nopClient struct{}

func (nopClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Content: "ok"}, nil
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.RegisterClient("anthropic", nopClient{}, "claude-3-5-haiku-20241022")

	if _, err := r.Resolve("anthropic", "claude-3-5-haiku-20241022"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := r.Resolve("anthropic", "unknown-model"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	if _, err := r.Resolve("missing", "claude-3-5-haiku-20241022"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel for unknown tag, got %v", err)
	}
}

func TestRegistryHasModel(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.RegisterClient("openai", nopClient{}, "gpt-4o")

	if !r.HasModel("openai", "gpt-4o") {
		t.Fatal("registered model not found")
	}
	if r.HasModel("openai", "other") || r.HasModel("none", "gpt-4o") {
		t.Fatal("phantom model resolved")
	}
}

func TestRegisterUnknownType(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	if err := r.Register(Config{Tag: "x", Type: "carrier-pigeon"}); err == nil {
		t.Fatal("unknown provider type should be rejected")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&APIError{Status: http.StatusTooManyRequests}, true},
		{&APIError{Status: 500}, true},
		{&APIError{Status: 503}, true},
		{&APIError{Status: 400}, false},
		{&APIError{Status: 401}, false},
		{errors.New("dial tcp: connection refused"), true},
		{context.Canceled, false},
		{nil, false},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Errorf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
