package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stemsplit/api/internal/service"
	"github.com/stemsplit/api/pkg/response"
)

// AdminHandler serves operational endpoints
type AdminHandler struct {
	splits *service.SplitService
}

func NewAdminHandler(splits *service.SplitService) *AdminHandler {
	return &AdminHandler{splits: splits}
}

// Reset handles POST /reset: revokes all outstanding tasks, purges the
// queue, deletes persisted artifacts and clears every registry
func (h *AdminHandler) Reset(c *fiber.Ctx) error {
	if err := h.splits.Reset(c.Context()); err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, fiber.Map{"status": "reset"})
}
