package health

import (
	"context"

	"github.com/therealutkarshpriyadarshi/authtrail/internal/tailer"
)

// Pinger is satisfied by the event store
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck reports the structured store unhealthy when it cannot be reached
func StoreCheck(p Pinger) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := p.Ping(ctx); err != nil {
			return ComponentHealth{
				Status:  StatusUnhealthy,
				Message: err.Error(),
			}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// TailerProbe exposes the tailer state to health checks
type TailerProbe interface {
	State() tailer.State
	Offset() int64
	Path() string
}

// TailerCheck maps the tailer lifecycle onto a health status. A rotated
// file that has not reappeared yet is degraded, a stopped tailer is
// unhealthy.
func TailerCheck(t TailerProbe) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		state := t.State()

		status := StatusHealthy
		switch state {
		case tailer.StateInitializing, tailer.StateRotationDetected:
			status = StatusDegraded
		case tailer.StateStopped:
			status = StatusUnhealthy
		}

		return ComponentHealth{
			Status:  status,
			Message: state.String(),
			Metadata: map[string]interface{}{
				"path":   t.Path(),
				"offset": t.Offset(),
			},
		}
	}
}

// CheckFunc creates a health check from a simple boolean function
func CheckFunc(check func() (bool, string)) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		healthy, message := check()
		status := StatusHealthy
		if !healthy {
			status = StatusUnhealthy
		}
		return ComponentHealth{
			Status:  status,
			Message: message,
		}
	}
}
