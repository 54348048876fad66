package ussd

import (
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

// Handler exposes the gateway endpoint.
type Handler struct {
	machine *Machine
	logger  *slog.Logger
}

// NewHandler builds the USSD HTTP handler.
func NewHandler(machine *Machine, logger *slog.Logger) *Handler {
	return &Handler{machine: machine, logger: logger}
}

type gatewayRequest struct {
	SessionID   string `form:"sessionId" validate:"required,max=128"`
	ServiceCode string `form:"serviceCode" validate:"required,max=64"`
	PhoneNumber string `form:"phoneNumber" validate:"required,max=20"`
	Text        string `form:"text" validate:"max=512"`
}

// Serve answers one gateway hop in text/plain. The gateway shows whatever we
// return, so malformed requests get a generic END screen.
func (h *Handler) Serve(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)

	var req gatewayRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warn("ussd request unreadable", slog.Any("error", err))
		return c.Status(http.StatusBadRequest).SendString(end("Invalid request."))
	}
	if err := validate.Struct(&req); err != nil {
		h.logger.Warn("ussd request invalid", slog.String("session_id", req.SessionID), slog.Any("error", err))
		return c.Status(http.StatusBadRequest).SendString(end("Invalid request."))
	}

	screen := h.machine.Handle(c.UserContext(), Request{
		SessionID:   req.SessionID,
		ServiceCode: req.ServiceCode,
		PhoneNumber: req.PhoneNumber,
		Text:        req.Text,
	})
	h.logger.Debug("ussd hop",
		slog.String("session_id", req.SessionID),
		slog.String("service_code", req.ServiceCode),
		slog.Int("depth", len(Segments(req.Text))))
	return c.Status(http.StatusOK).SendString(screen)
}
