package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/orchestra-mcp/chatrelay/src/hub"
	"github.com/orchestra-mcp/chatrelay/src/types"
	"github.com/rs/zerolog"
)

// ErrEmptyMessage is returned by Broadcast for blank input.
var ErrEmptyMessage = errors.New("message is empty")

// Stats is a point-in-time view of the relay.
type Stats struct {
	Clients        int  `json:"clients"`
	MaxConnections int  `json:"max_connections"`
	Full           bool `json:"full"`
}

// Service provides the high-level relay API.
type Service struct {
	hub    *hub.Hub
	logger zerolog.Logger
}

// New creates a new relay service backed by the given hub.
func New(h *hub.Hub, logger zerolog.Logger) *Service {
	return &Service{hub: h, logger: logger.With().Str("component", "service").Logger()}
}

// Hub returns the underlying hub.
func (s *Service) Hub() *hub.Hub { return s.hub }

// Broadcast sends a server-originated message to every connection. It goes
// through the same ordered loop as client messages.
func (s *Service) Broadcast(message string) (types.BroadcastResult, error) {
	if strings.TrimSpace(message) == "" {
		return types.BroadcastResult{}, fmt.Errorf("broadcast: %w", ErrEmptyMessage)
	}
	res, err := s.hub.Broadcast(message)
	if err != nil {
		return res, fmt.Errorf("broadcast: %w", err)
	}
	s.logger.Debug().
		Int("recipients", res.Recipients).
		Int("failed", res.Failed).
		Msg("server broadcast")
	return res, nil
}

// OnConnection registers a callback for new connections.
func (s *Service) OnConnection(cb func(clientID string)) {
	s.hub.OnConnection(cb)
}

// OnDisconnection registers a callback for disconnections.
func (s *Service) OnDisconnection(cb func(clientID string)) {
	s.hub.OnDisconnection(cb)
}

// GetConnectedClients returns IDs of all connected clients.
func (s *Service) GetConnectedClients() []string {
	return s.hub.ConnectedClients()
}

// GetClientInfo returns info for a connected client, or an error wrapping
// types.ErrClientNotFound.
func (s *Service) GetClientInfo(clientID string) (*types.ClientInfo, error) {
	info := s.hub.ClientInfo(clientID)
	if info == nil {
		return nil, fmt.Errorf("client %s: %w", clientID, types.ErrClientNotFound)
	}
	return info, nil
}

// ListClients returns info for every connected client.
func (s *Service) ListClients() []types.ClientInfo {
	ids := s.hub.ConnectedClients()
	infos := make([]types.ClientInfo, 0, len(ids))
	for _, id := range ids {
		// A client may leave between listing and lookup.
		if info := s.hub.ClientInfo(id); info != nil {
			infos = append(infos, *info)
		}
	}
	return infos
}

// Stats returns connection counts.
func (s *Service) Stats() Stats {
	n := s.hub.ClientCount()
	limit := s.hub.MaxConnections()
	return Stats{Clients: n, MaxConnections: limit, Full: n >= limit}
}
