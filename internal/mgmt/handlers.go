package mgmt

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	serrors "github.com/plumesky/session-agent/internal/errors"
	"github.com/plumesky/session-agent/internal/health"
	"github.com/plumesky/session-agent/internal/monitor"
	"github.com/plumesky/session-agent/internal/session"
	"github.com/plumesky/session-agent/internal/store"
)

// Orchestrator is the slice of the session orchestrator the API exposes.
type Orchestrator interface {
	Snapshot() []session.Status
	Status(accountID string) (session.Status, bool)
	ProactiveRefresh(ctx context.Context, accountID string) error
	Login(ctx context.Context, serviceURL, identifier, password string) (*store.Account, error)
}

// defaultServiceURL is the public PDS used when a login request names none.
const defaultServiceURL = "https://bsky.social"

// DeviceMonitor receives host signals and reports sweep state.
type DeviceMonitor interface {
	SetFocus(focus monitor.FocusState)
	SetNetwork(status monitor.NetworkStatus)
	SetBattery(level float64, charging bool)
	Device() monitor.DeviceState
	Interval() time.Duration
	Stats() monitor.Stats
}

// Handlers holds dependencies for the HTTP handlers.
type Handlers struct {
	orch      Orchestrator
	mon       DeviceMonitor
	checker   *health.Checker
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a Handlers instance.
func NewHandlers(orch Orchestrator, mon DeviceMonitor, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		orch:      orch,
		mon:       mon,
		checker:   checker,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"uptime": time.Since(h.startTime).String(),
	})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if !h.checker.IsReady(c.Context()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
		})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// ListAccounts handles GET /accounts.
func (h *Handlers) ListAccounts(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"accounts": h.orch.Snapshot()})
}

// CreateAccount handles POST /accounts: authenticate with an app password
// and put the new account under lifecycle management.
func (h *Handlers) CreateAccount(c *fiber.Ctx) error {
	var req CreateAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if req.Identifier == "" || req.Password == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_credentials", "Bad Request",
			"Identifier and password are required")
	}
	if req.ServiceURL == "" {
		req.ServiceURL = defaultServiceURL
	}

	acct, err := h.orch.Login(c.Context(), req.ServiceURL, req.Identifier, req.Password)
	switch {
	case err == nil:
		status, _ := h.orch.Status(acct.ID)
		return c.Status(fiber.StatusCreated).JSON(status)
	case errors.Is(err, serrors.ErrShutdown):
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"shutting_down", "Service Unavailable",
			"The daemon is shutting down")
	case serrors.IsAuth(err):
		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_credentials", "Unauthorized",
			"The service rejected the credentials: "+err.Error())
	case serrors.IsValidation(err):
		return problemResponse(c, fiber.StatusBadGateway,
			"invalid_session", "Bad Gateway",
			"The service returned an unusable session: "+err.Error())
	default:
		return problemResponse(c, fiber.StatusBadGateway,
			"login_failed", "Bad Gateway",
			"Login failed: "+err.Error())
	}
}

// GetAccount handles GET /accounts/:id.
func (h *Handlers) GetAccount(c *fiber.Ctx) error {
	id := c.Params("id")
	status, ok := h.orch.Status(id)
	if !ok {
		return problemResponse(c, fiber.StatusNotFound,
			"account_not_found", "Not Found",
			"No registered account with ID "+id)
	}
	return c.JSON(status)
}

// RefreshAccount handles POST /accounts/:id/refresh.
func (h *Handlers) RefreshAccount(c *fiber.Ctx) error {
	id := c.Params("id")
	err := h.orch.ProactiveRefresh(c.Context(), id)
	switch {
	case err == nil:
		status, _ := h.orch.Status(id)
		return c.JSON(status)
	case errors.Is(err, serrors.ErrAccountNotFound):
		return problemResponse(c, fiber.StatusNotFound,
			"account_not_found", "Not Found",
			"No registered account with ID "+id)
	case errors.Is(err, serrors.ErrShutdown):
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"shutting_down", "Service Unavailable",
			"The daemon is shutting down")
	case serrors.IsAuth(err):
		return problemResponse(c, fiber.StatusConflict,
			"reauth_required", "Conflict",
			"The account needs re-authentication: "+err.Error())
	default:
		return problemResponse(c, fiber.StatusBadGateway,
			"refresh_failed", "Bad Gateway",
			"Refresh failed: "+err.Error())
	}
}

// MonitorStats handles GET /monitor.
func (h *Handlers) MonitorStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"device":   h.mon.Device(),
		"interval": h.mon.Interval().String(),
		"stats":    h.mon.Stats(),
	})
}

// LifecycleSignalHandler handles POST /signals/lifecycle.
func (h *Handlers) LifecycleSignalHandler(c *fiber.Ctx) error {
	var sig LifecycleSignal
	if err := c.BodyParser(&sig); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	focus := monitor.FocusState(sig.Focus)
	if focus != monitor.FocusForeground && focus != monitor.FocusBackground {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_focus", "Bad Request",
			"Focus must be foreground or background")
	}
	h.mon.SetFocus(focus)
	return c.JSON(fiber.Map{"focus": sig.Focus})
}

// NetworkSignalHandler handles POST /signals/network.
func (h *Handlers) NetworkSignalHandler(c *fiber.Ctx) error {
	var sig NetworkSignal
	if err := c.BodyParser(&sig); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	status := monitor.NetworkStatus(sig.Status)
	switch status {
	case monitor.NetworkOnline, monitor.NetworkOffline, monitor.NetworkSlow:
	default:
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_status", "Bad Request",
			"Status must be online, offline or slow")
	}
	h.mon.SetNetwork(status)
	return c.JSON(fiber.Map{"status": sig.Status})
}

// BatterySignalHandler handles POST /signals/battery.
func (h *Handlers) BatterySignalHandler(c *fiber.Ctx) error {
	var sig BatterySignal
	if err := c.BodyParser(&sig); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if sig.Level < 0 || sig.Level > 1 {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_level", "Bad Request",
			"Battery level must be between 0 and 1")
	}
	h.mon.SetBattery(sig.Level, sig.Charging)
	return c.JSON(fiber.Map{"level": sig.Level, "charging": sig.Charging})
}
