package api

import (
	"context"
	"net/http"
	"time"
)

// ActuatorStatus queries the actuator controller
type ActuatorStatus interface {
	Status(ctx context.Context) ([]int, error)
	Connected() bool
}

type ActuatorHandler struct {
	actuator ActuatorStatus
	timeout  time.Duration
}

func NewActuatorHandler(actuator ActuatorStatus, timeout time.Duration) *ActuatorHandler {
	return &ActuatorHandler{actuator: actuator, timeout: timeout}
}

// ActuatorStatusResponse is the body of GET /api/v1/actuator/status
type ActuatorStatusResponse struct {
	Connected   bool  `json:"connected"`
	ActiveSlots []int `json:"active_slots"`
}

// Status handles GET /api/v1/actuator/status. Unlike /status this performs
// a round trip to the controller.
func (h *ActuatorHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	slots, err := h.actuator.Status(ctx)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if slots == nil {
		slots = []int{}
	}
	sendJSON(w, http.StatusOK, ActuatorStatusResponse{
		Connected:   h.actuator.Connected(),
		ActiveSlots: slots,
	})
}
