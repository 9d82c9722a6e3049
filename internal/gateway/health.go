package gateway

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/YmidOrtega/Clinica-sub001/internal/platform/breaker"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// CircuitSnapshots lists the breaker states for health output.
type CircuitSnapshots interface {
	Snapshots() []breaker.Snapshot
}

// HealthHandler reports gateway liveness together with the state of every
// downstream circuit. Open circuits do not make the gateway unhealthy.
func HealthHandler(circuits CircuitSnapshots) echo.HandlerFunc {
	return func(c echo.Context) error {
		snaps := circuits.Snapshots()
		open := 0
		for _, s := range snaps {
			if s.State != breaker.StateClosed.String() {
				open++
			}
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":        "ok",
			"version":       Version,
			"circuits":      snaps,
			"open_circuits": open,
		})
	}
}
