//go:build unix

package shutdown

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/authtrail/internal/logging"
)

func TestContextCancelledByShutdown(t *testing.T) {
	manager := New(Config{Logger: logging.Nop()})

	ctx, cancel := manager.Context(context.Background(), syscall.SIGUSR1)
	defer cancel()

	go manager.Shutdown()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by Shutdown")
	}
}

func TestContextCancelledBySignal(t *testing.T) {
	manager := New(Config{Logger: logging.Nop()})

	ctx, cancel := manager.Context(context.Background(), syscall.SIGUSR1)
	defer cancel()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Failed to send signal: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by signal")
	}
}
