// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type stubProvider struct {
	name string
}

func (s *stubProvider) Name() string            { return s.name }
func (s *stubProvider) Type() ProviderType      { return ProviderTypeCustom }
func (s *stubProvider) SupportsStreaming() bool { return false }

func (s *stubProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return &CompletionResponse{Content: "stub"}, nil
}

func (s *stubProvider) CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	return s.Complete(ctx, req)
}

func TestClientSetRegisterAndResolve(t *testing.T) {
	set := NewClientSet()

	if err := set.Register(&stubProvider{name: "anthropic"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	p, err := set.Client("anthropic")
	if err != nil {
		t.Fatalf("Client failed: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("resolved wrong provider: %s", p.Name())
	}
	if set.Count() != 1 {
		t.Errorf("Count = %d", set.Count())
	}
}

func TestClientSetDuplicateRegistration(t *testing.T) {
	set := NewClientSet()

	if err := set.Register(&stubProvider{name: "openai"}); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}

	err := set.Register(&stubProvider{name: "openai"})
	var ce *ClientError
	if !errors.As(err, &ce) || ce.Code != ErrClientDuplicate {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestClientSetUnknownProvider(t *testing.T) {
	set := NewClientSet()

	_, err := set.Client("missing")
	var ce *ClientError
	if !errors.As(err, &ce) || ce.Code != ErrClientNotFound {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestClientSetRejectsInvalid(t *testing.T) {
	set := NewClientSet()

	if err := set.Register(nil); err == nil {
		t.Error("nil provider accepted")
	}
	if err := set.Register(&stubProvider{name: ""}); err == nil {
		t.Error("unnamed provider accepted")
	}
}

func TestClientSetListSorted(t *testing.T) {
	set := NewClientSet()
	for _, name := range []string{"openai", "anthropic", "gemini"} {
		if err := set.Register(&stubProvider{name: name}); err != nil {
			t.Fatalf("Register(%s) failed: %v", name, err)
		}
	}

	want := []string{"anthropic", "gemini", "openai"}
	if got := set.List(); !reflect.DeepEqual(got, want) {
		t.Errorf("List = %v, want %v", got, want)
	}
}
