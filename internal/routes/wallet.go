package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/twende-pay/twende_pay/internal/wallet"
	"github.com/twende-pay/twende_pay/internal/withdrawal"
)

// RegisterWalletRoutes wires operator wallet endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Post("/wallets", h.Create)
	r.Get("/wallets/:code", h.Balance)
	r.Get("/wallets/:code/transactions", h.Transactions)
	r.Delete("/wallets/:code/pin", h.ResetPin)
}

// RegisterWithdrawalRoutes wires operator withdrawal endpoints.
func RegisterWithdrawalRoutes(r fiber.Router, h *withdrawal.Handler) {
	r.Post("/withdrawals", h.Create)
	r.Get("/withdrawals/:id", h.Get)
	r.Post("/withdrawals/:id/recredit", h.Recredit)
}
