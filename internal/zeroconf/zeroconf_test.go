package zeroconf_test

import (
	"context"
	"testing"
	"time"

	"github.com/beocontrol/beocontrol/internal/zeroconf"
)

func TestNew(t *testing.T) {
	a := zeroconf.New("beocontrol-test", 18767)
	if a == nil {
		t.Fatal("New() returned nil")
	}
}

// TestStartCancel checks that Start unblocks when the context ends,
// whether or not mDNS is available in the environment.
func TestStartCancel(t *testing.T) {
	a := zeroconf.New("beocontrol-test", 18767)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Logf("Start returned error (acceptable without mDNS): %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
