package api

import (
	"apexrag/rag"
	"apexrag/types"

	"github.com/gofiber/fiber/v2"
)

type AskHandler struct {
	router *rag.Router
}

func NewAskHandler(router *rag.Router) *AskHandler {
	return &AskHandler{
		router: router,
	}
}

func (h *AskHandler) HandleAsk(c *fiber.Ctx) error {
	var params types.AskRequest
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}

	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	resp, err := h.router.Route(c.Context(), params)
	if err != nil {
		return err
	}
	return c.JSON(resp)
}
