package logging

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerLevels(t *testing.T) {
	logger, err := NewLogger("debug")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be enabled")
	}

	logger, err = NewLogger("")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be disabled by default")
	}

	if _, err := NewLogger("chatty"); err == nil {
		t.Fatal("expected invalid level to fail")
	}
}

func TestWithOperationAddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	WithOperation(zap.New(core), "usecase.verify_pair", "req-1").Info("done")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "usecase.verify_pair" || fields["request_id"] != "req-1" {
		t.Fatalf("unexpected fields: %v", fields)
	}

	WithOperation(zap.New(core), "grpcclient.dial", "").Info("dialled")
	if _, ok := logs.All()[1].ContextMap()["request_id"]; ok {
		t.Fatal("expected empty request id to be omitted")
	}
}

func TestOperationError(t *testing.T) {
	if NewOperationError("op", "req", nil) != nil {
		t.Fatal("expected nil for nil error")
	}

	cause := errors.New("connection reset")
	err := NewOperationError("cache.set.result", "req-7", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable with errors.Is")
	}
	if got, want := err.Error(), "cache.set.result (request_id=req-7): connection reset"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if got, want := NewOperationError("grpcclient.dial", "", cause).Error(), "grpcclient.dial: connection reset"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
