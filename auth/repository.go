package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrClientNotFound signals that no client is registered under the id.
	ErrClientNotFound = errors.New("auth: client not found")
	// ErrDuplicateClient signals that two clients share an id.
	ErrDuplicateClient = errors.New("auth: duplicate client id")
)

// Repository looks up API clients.
type Repository interface {
	GetClient(ctx context.Context, clientID string) (Client, error)
}

// StaticRepository serves clients loaded from configuration.
type StaticRepository struct {
	clients map[string]Client
}

// NewStaticRepository validates and indexes clients by id.
func NewStaticRepository(clients []Client) (*StaticRepository, error) {
	byID := make(map[string]Client, len(clients))
	for _, c := range clients {
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" {
			return nil, fmt.Errorf("auth: client id is required")
		}
		if _, ok := byID[c.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateClient, c.ID)
		}
		if c.Role == "" {
			c.Role = RoleViewer
		}
		if !isValidRole(c.Role) {
			return nil, fmt.Errorf("auth: invalid role %q for client %s", c.Role, c.ID)
		}
		if !strings.HasPrefix(c.SecretHash, "$2") {
			return nil, fmt.Errorf("auth: client %s: secret_hash must be a bcrypt hash", c.ID)
		}
		byID[c.ID] = c
	}
	return &StaticRepository{clients: byID}, nil
}

func (r *StaticRepository) GetClient(_ context.Context, clientID string) (Client, error) {
	c, ok := r.clients[clientID]
	if !ok {
		return Client{}, ErrClientNotFound
	}
	return c, nil
}
