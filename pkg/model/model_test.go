package model

import (
	"encoding/json"
	"testing"
)

func TestJSONValueAndScan(t *testing.T) {
	original := JSON(`{"name":"sagaflow","count":2}`)

	value, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	data, ok := value.([]byte)
	if !ok {
		t.Fatalf("expected []byte value, got %T", value)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal value error: %v", err)
	}
	if decoded["name"] != "sagaflow" {
		t.Fatalf("expected name sagaflow, got %v", decoded["name"])
	}

	var scanned JSON
	if err := scanned.Scan(string(data)); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if string(scanned) != string(original) {
		t.Fatalf("expected %s, got %s", original, scanned)
	}
}

func TestJSONEmptyIsNull(t *testing.T) {
	value, err := JSON(nil).Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}
	if value != nil {
		t.Fatalf("expected nil value, got %v", value)
	}
}

func TestJSONRejectsInvalidDocument(t *testing.T) {
	if _, err := JSON(`{"broken"`).Value(); err == nil {
		t.Fatal("expected error for invalid document")
	}
}

func TestExecutionTransitions(t *testing.T) {
	cases := []struct {
		from, to ExecutionStatus
		allowed  bool
	}{
		{ExecutionPending, ExecutionRunning, true},
		{ExecutionRunning, ExecutionPaused, true},
		{ExecutionPaused, ExecutionRunning, true},
		{ExecutionRunning, ExecutionTimeout, true},
		{ExecutionFailed, ExecutionRunning, true},
		{ExecutionCompleted, ExecutionRunning, false},
		{ExecutionCancelled, ExecutionRunning, false},
		{ExecutionCleanedUp, ExecutionRunning, false},
		{ExecutionTimeout, ExecutionRunning, false},
		{ExecutionPending, ExecutionCompleted, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.allowed {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.allowed, got)
		}
	}
}

func TestFinalStatuses(t *testing.T) {
	for _, status := range []ExecutionStatus{ExecutionCompleted, ExecutionCancelled, ExecutionCleanedUp} {
		if !status.Final() {
			t.Fatalf("expected %s to be final", status)
		}
	}
	if ExecutionFailed.Final() {
		t.Fatal("FAILED executions can be retried")
	}
}
