package transport

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"wrapped sentinel", WrapTransient(errors.New("502 bad gateway")), true},
		{"deep wrap", fmt.Errorf("send: %w", WrapTransient(errors.New("x"))), true},
		{"target closed", errors.New("Protocol error: Target closed."), true},
		{"session closed", errors.New("session closed"), true},
		{"execution context", errors.New("Execution context was destroyed"), true},
		{"node detached", errors.New("Node is detached from document"), true},
		{"permanent", errors.New("Forbidden: bot was blocked by the user"), false},
		{"not registered", ErrNotRegistered, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v)=%v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestWrapTransientKeepsChain(t *testing.T) {
	base := errors.New("base")
	err := WrapTransient(base)
	if !errors.Is(err, base) || !errors.Is(err, ErrTransient) {
		t.Fatalf("chain lost: %v", err)
	}
	if WrapTransient(err) != err {
		t.Fatalf("double wrap")
	}
	if WrapTransient(nil) != nil {
		t.Fatalf("nil should stay nil")
	}
}
