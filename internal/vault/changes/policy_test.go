package changes

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Mschirtzinger/vaultsync/internal/vault/remote"
)

func TestPolicy(t *testing.T) {
	ctx := context.Background()
	transport := func(kind remote.TransportKind) error {
		return &remote.TransportError{Kind: kind, Op: "update", Err: errors.New("net")}
	}

	tests := []struct {
		name     string
		err      error
		online   bool
		attempt  int
		halting  bool
		retry    bool
		recreate bool
	}{
		{"server error", remote.Fault(remote.FaultServerError, ""), true, 1, true, false, false},
		{"access denied", remote.Fault(remote.FaultAccessDenied, ""), true, 1, true, false, false},
		{"client error", fmt.Errorf("bad call: %w", remote.ErrClient), true, 1, true, false, false},
		{"timeout online", transport(remote.TransportTimeout), true, 1, false, true, false},
		{"timeout offline", transport(remote.TransportTimeout), false, 1, true, true, false},
		{"canceled", transport(remote.TransportCanceled), false, 1, false, false, false},
		{"too large", transport(remote.TransportMessageTooLarge), true, 1, false, false, false},
		{"attempts exceeded", transport(remote.TransportConnection), true, 3, false, false, false},
		{"validation", fmt.Errorf("x: %w", remote.ErrValidation), true, 1, false, false, false},
		{"serialization", remote.ErrSerialization, true, 1, false, false, false},
		{"not found", remote.Fault(remote.FaultNotFound, ""), true, 1, false, false, true},
		{"version mismatch", remote.Fault(remote.FaultVersionMismatch, ""), true, 1, false, false, true},
		{"invalid payload", remote.Fault(remote.FaultInvalidPayload, ""), true, 1, false, false, true},
		{"invalid request", remote.Fault(remote.FaultInvalidRequest, ""), true, 1, false, false, false},
		{"plain error", errors.New("disk full"), true, 1, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Policy{MaxAttemptsPerChange: 3, Connectivity: remote.NewStatic(tt.online)}
			change := &Change{Attempt: tt.attempt}
			if got := p.IsHalting(ctx, tt.err); got != tt.halting {
				t.Errorf("IsHalting = %v, want %v", got, tt.halting)
			}
			if got := p.ShouldRetry(change, tt.err); got != tt.retry {
				t.Errorf("ShouldRetry = %v, want %v", got, tt.retry)
			}
			if got := p.ShouldCreateNewItemForConflict(tt.err); got != tt.recreate {
				t.Errorf("ShouldCreateNewItemForConflict = %v, want %v", got, tt.recreate)
			}
		})
	}
}

func TestPolicyUnlimitedAttempts(t *testing.T) {
	p := &Policy{}
	err := &remote.TransportError{Kind: remote.TransportConnection}
	if !p.ShouldRetry(&Change{Attempt: 1000}, err) {
		t.Errorf("zero MaxAttemptsPerChange must retry forever")
	}
	if p.IsHalting(context.Background(), err) {
		t.Errorf("nil connectivity must count as online")
	}
}

func TestWorkerController(t *testing.T) {
	w := NewWorkerController()
	if !w.ShouldScheduleWork() {
		t.Fatal("idle controller refused work")
	}
	if !w.BeginWork() {
		t.Fatal("BeginWork failed on idle controller")
	}
	if w.BeginWork() {
		t.Fatal("second BeginWork succeeded while busy")
	}
	if w.ShouldScheduleWork() {
		t.Fatal("ShouldScheduleWork while busy")
	}
	if !w.CompleteWork() {
		t.Fatal("pending request was dropped")
	}
	if w.HasPendingWork() || w.Busy() {
		t.Fatal("CompleteWork did not reset state")
	}

	w.SetEnabled(false)
	if w.BeginWork() {
		t.Fatal("BeginWork succeeded while disabled")
	}
	if !w.HasPendingWork() {
		t.Fatal("request while disabled was not recorded")
	}
}
