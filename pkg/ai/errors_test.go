package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/menome/thelink/backend/pkg/apperr"
)

func TestClassifyStatus(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		status    int
		retryable bool
	}{
		{408, true},
		{409, true},
		{425, true},
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
		{422, false},
		{0, true},
	}
	for _, tt := range tests {
		err := ClassifyStatus("op", tt.status, base)
		if got := apperr.IsRetryable(err); got != tt.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tt.status, got, tt.retryable)
		}
		if !errors.Is(err, base) {
			t.Errorf("status %d: original error lost", tt.status)
		}
	}
}

func TestClassifyErrorPassThrough(t *testing.T) {
	if err := ClassifyError("op", context.Canceled); err != context.Canceled {
		t.Fatalf("cancellation should pass through, got %v", err)
	}
	pe := &ParseError{Raw: "x", Err: errors.New("bad")}
	if err := ClassifyError("op", pe); err != pe {
		t.Fatalf("parse errors should pass through, got %v", err)
	}
	if err := ClassifyError("op", nil); err != nil {
		t.Fatalf("nil should stay nil, got %v", err)
	}
}
