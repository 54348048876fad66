package withdrawal

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/twende-pay/twende_pay/internal/ledger"
	"github.com/twende-pay/twende_pay/internal/middleware"
)

var validate = validator.New()

// Handler exposes operator withdrawal endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a withdrawal HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	VirtualAccountCode string          `json:"virtual_account_code" validate:"required,max=32"`
	Amount             decimal.Decimal `json:"amount"`
	Mode               Mode            `json:"mode" validate:"required,oneof=MOBILE BANK"`
	PhoneNumber        string          `json:"phone_number" validate:"required_if=Mode MOBILE"`
	BankPaybill        string          `json:"bank_paybill" validate:"required_if=Mode BANK"`
	BankAccount        string          `json:"bank_account" validate:"required_if=Mode BANK"`
}

// Create opens a withdrawal from a wallet on behalf of an operator.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	w, err := h.service.Request(c.UserContext(), Request{
		Wallet: ledger.ByCode(req.VirtualAccountCode),
		Amount: req.Amount,
		Destination: Destination{
			Mode:    req.Mode,
			Phone:   req.PhoneNumber,
			Paybill: req.BankPaybill,
			Account: req.BankAccount,
		},
		RequestedBy: "admin:" + middleware.Operator(c),
	})
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusAccepted).JSON(w)
}

// Get returns a withdrawal including the raw provider response.
func (h *Handler) Get(c *fiber.Ctx) error {
	w, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(w)
}

// Recredit returns the amount of a FAILED withdrawal to its wallet.
func (h *Handler) Recredit(c *fiber.Ctx) error {
	w, err := h.service.Recredit(c.UserContext(), c.Params("id"), middleware.Operator(c))
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(w)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ledger.ErrWalletNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusUnprocessableEntity, "insufficient funds")
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrAlreadyRecredited):
		return fiber.NewError(http.StatusConflict, err.Error())
	}
	return err
}
