package wallet

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/twende-pay/twende_pay/internal/ledger"
	"github.com/twende-pay/twende_pay/internal/middleware"
	"github.com/twende-pay/twende_pay/internal/pin"
)

var validate = validator.New()

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	EntityType         string `json:"entity_type" validate:"required,oneof=SACCO MATATU TAXI BODA SYSTEM MSISDN"`
	EntityID           string `json:"entity_id" validate:"max=64"`
	VirtualAccountCode string `json:"virtual_account_code" validate:"required,max=32"`
}

// Create opens a wallet.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	w, err := h.service.Create(c.UserContext(), CreateInput{
		EntityType:         ledger.EntityType(req.EntityType),
		EntityID:           req.EntityID,
		VirtualAccountCode: req.VirtualAccountCode,
	})
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(w)
}

// Balance returns the wallet balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	balance, err := h.service.Balance(c.UserContext(), c.Params("code"))
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(balance)
}

// Transactions returns recent wallet transactions.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	st, err := h.service.Statement(c.UserContext(), c.Params("code"), c.QueryInt("limit", defaultStatementLimit))
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(st)
}

// ResetPin clears the wallet PIN.
func (h *Handler) ResetPin(c *fiber.Ctx) error {
	if err := h.service.ResetPin(c.UserContext(), c.Params("code"), middleware.Operator(c)); err != nil {
		return httpError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrWalletNotFound):
		return fiber.NewError(http.StatusNotFound, "wallet not found")
	case errors.Is(err, pin.ErrNotSet):
		return fiber.NewError(http.StatusNotFound, "wallet has no pin")
	case errors.Is(err, ledger.ErrWalletExists):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return err
}
