package tasks

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kidoz/dotcelery/internal/registry"
)

func buildRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	if err := Register(r); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	r.Build()
	return r
}

func dispatch(t *testing.T, r *registry.Registry, taskName string, input any) []byte {
	t.Helper()
	reg, ok := r.Lookup(taskName)
	if !ok {
		t.Fatalf("task %q not registered", taskName)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	out, _, err := reg.Dispatch(&registry.TaskContext{Context: context.Background(), TaskID: "test-task"}, raw)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	return out
}

func TestRegister_InstallsSendEmailAndEcho(t *testing.T) {
	r := buildRegistry(t)
	if _, ok := r.Lookup("send_email"); !ok {
		t.Fatal("expected send_email to be registered")
	}
	if _, ok := r.Lookup("echo"); !ok {
		t.Fatal("expected echo to be registered")
	}
}

func TestSendEmail_RequiresRecipient(t *testing.T) {
	r := buildRegistry(t)
	reg, _ := r.Lookup("send_email")
	raw, _ := json.Marshal(EmailInput{Subject: "hi"})
	_, _, err := reg.Dispatch(&registry.TaskContext{Context: context.Background(), TaskID: "t"}, raw)
	if err == nil {
		t.Fatal("expected an error when To is empty")
	}
}

func TestSendEmail_ReturnsSentConfirmation(t *testing.T) {
	r := buildRegistry(t)
	out := dispatch(t, r, "send_email", EmailInput{To: "user@example.com", Subject: "hi", Body: "hello"})

	var result EmailOutput
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if !result.Sent || result.To != "user@example.com" {
		t.Fatalf("unexpected output: %+v", result)
	}
}

func TestEcho_MirrorsInput(t *testing.T) {
	r := buildRegistry(t)
	out := dispatch(t, r, "echo", EchoInput{Message: "ping"})

	var result EchoOutput
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if result.Message != "ping" {
		t.Fatalf("expected echo to mirror input, got %q", result.Message)
	}
}
