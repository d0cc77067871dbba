package providers

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/chatrelay/src/service"
	"github.com/orchestra-mcp/chatrelay/src/types"
)

type broadcastRequest struct {
	Message string `json:"message"`
}

// registerAdminRoutes adds operator endpoints: list connections and push a
// server-originated announcement through the normal fan-out.
func (p *RelayProvider) registerAdminRoutes(group fiber.Router) {
	group.Get("/ws/clients", p.handleListClients)
	group.Get("/ws/clients/:id", p.handleGetClient)
	group.Post("/ws/broadcast", p.handleBroadcast)
}

func (p *RelayProvider) handleListClients(c fiber.Ctx) error {
	clients := p.service.ListClients()
	return c.JSON(fiber.Map{
		"clients": clients,
		"count":   len(clients),
	})
}

func (p *RelayProvider) handleGetClient(c fiber.Ctx) error {
	info, err := p.service.GetClientInfo(c.Params("id"))
	if errors.Is(err, types.ErrClientNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "client_not_found"})
	}
	if err != nil {
		return err
	}
	return c.JSON(info)
}

func (p *RelayProvider) handleBroadcast(c fiber.Ctx) error {
	var req broadcastRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_json"})
	}
	res, err := p.service.Broadcast(req.Message)
	switch {
	case errors.Is(err, types.ErrHubStopped):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "relay_stopped"})
	case errors.Is(err, service.ErrEmptyMessage):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "empty_message"})
	case err != nil:
		return err
	}
	return c.JSON(res)
}
