package mgmt

import (
	"github.com/gofiber/fiber/v2"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func problemResponse(c *fiber.Ctx, status int, problemType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     problemType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

// CreateAccountRequest is the body of POST /accounts. ServiceURL defaults
// to the public PDS when omitted.
type CreateAccountRequest struct {
	ServiceURL string `json:"service_url"`
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// LifecycleSignal is the body of POST /signals/lifecycle.
type LifecycleSignal struct {
	Focus string `json:"focus"`
}

// NetworkSignal is the body of POST /signals/network.
type NetworkSignal struct {
	Status string `json:"status"`
}

// BatterySignal is the body of POST /signals/battery.
type BatterySignal struct {
	Level    float64 `json:"level"`
	Charging bool    `json:"charging"`
}
