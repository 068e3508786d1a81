package shutdown

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/authtrail/internal/logging"
)

func TestNew(t *testing.T) {
	manager := New(Config{Timeout: 3 * time.Second, Logger: logging.Nop()})

	if manager.timeout != 3*time.Second {
		t.Errorf("Expected timeout 3s, got %v", manager.timeout)
	}

	manager = New(Config{})
	if manager.timeout != DefaultTimeout {
		t.Errorf("Expected default timeout, got %v", manager.timeout)
	}
}

func TestShutdownRunsInReverseOrder(t *testing.T) {
	manager := New(Config{Logger: logging.Nop(), Timeout: 5 * time.Second})

	var order []string
	for _, name := range []string{"store", "tailer", "gateway"} {
		name := name
		manager.RegisterFunc(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := manager.Shutdown(); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}

	if got := strings.Join(order, ","); got != "gateway,tailer,store" {
		t.Errorf("order = %s, want gateway,tailer,store", got)
	}
}

func TestShutdownWithError(t *testing.T) {
	manager := New(Config{Logger: logging.Nop()})

	cause := errors.New("close failed")
	called := false
	manager.RegisterFunc("after", func(ctx context.Context) error {
		called = true
		return nil
	})
	manager.RegisterFunc("store", func(ctx context.Context) error {
		return cause
	})

	err := manager.Shutdown()
	if !errors.Is(err, cause) {
		t.Errorf("Shutdown() = %v, want %v", err, cause)
	}
	if !called {
		t.Error("a failing function stopped the remaining ones")
	}

	// second call returns the same result without running anything again
	if err2 := manager.Shutdown(); !errors.Is(err2, cause) {
		t.Errorf("second Shutdown() = %v", err2)
	}
}

func TestShutdownTimeout(t *testing.T) {
	manager := New(Config{Logger: logging.Nop(), Timeout: 100 * time.Millisecond})

	skipped := true
	manager.RegisterFunc("skipped", func(ctx context.Context) error {
		skipped = false
		return nil
	})
	manager.RegisterFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	err := manager.Shutdown()

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Shutdown took too long: %v", elapsed)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() = %v, want deadline exceeded", err)
	}
	if !skipped {
		t.Error("function after timeout should be skipped")
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	manager := New(Config{Logger: logging.Nop()})

	calls := 0
	manager.RegisterFunc("store", func(ctx context.Context) error {
		calls++
		return errors.New("close failed")
	})

	first := manager.Shutdown()
	second := manager.Shutdown()

	if calls != 1 {
		t.Errorf("cleanup ran %d times, want 1", calls)
	}
	if first == nil || second == nil || first.Error() != second.Error() {
		t.Errorf("Shutdown() = %v then %v, want the same error twice", first, second)
	}
}

func TestHandlePanic(t *testing.T) {
	manager := New(Config{Logger: logging.Nop()})

	ran := false
	manager.RegisterFunc("cleanup", func(ctx context.Context) error {
		ran = true
		return nil
	})

	defer func() {
		if r := recover(); r == nil {
			t.Error("panic was swallowed")
		}
		if !ran {
			t.Error("cleanup did not run on panic")
		}
	}()

	func() {
		defer manager.HandlePanic()
		panic("boom")
	}()
}
