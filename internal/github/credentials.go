// internal/github/credentials.go
package github

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Smeet23/WorkLedger-sub001/internal/apperr"
	"github.com/Smeet23/WorkLedger-sub001/internal/model"
)

// connectionSource is the slice of Storage the broker needs.
type connectionSource interface {
	GetConnectionByScope(ctx context.Context, scopeID uuid.UUID, scopeType model.ScopeType) (model.Connection, error)
}

// Broker issues scoped, authenticated platform clients. Installation scopes
// resolve an organization-wide credential; delegated scopes resolve a
// per-employee token.
type Broker struct {
	store         connectionSource
	fallbackToken string
	logger        *slog.Logger
}

// NewBroker creates a credential broker. fallbackToken, when non-empty, is
// used for scopes with an active connection row that carries no stored
// token (single-tenant deployments configured by environment).
func NewBroker(store connectionSource, fallbackToken string, logger *slog.Logger) *Broker {
	return &Broker{store: store, fallbackToken: fallbackToken, logger: logger}
}

// GetScopedClient resolves the connection for the scope and returns an
// authenticated client for it.
func (b *Broker) GetScopedClient(ctx context.Context, scopeID uuid.UUID, scopeType model.ScopeType) (*Client, model.Connection, error) {
	conn, err := b.store.GetConnectionByScope(ctx, scopeID, scopeType)
	if err != nil {
		return nil, model.Connection{}, err
	}
	if conn.Status != "active" {
		return nil, model.Connection{}, &apperr.NotFoundError{Resource: "active connection", Key: scopeID.String()}
	}
	token := conn.AccessToken
	if token == "" {
		token = b.fallbackToken
	}
	if token == "" {
		return nil, model.Connection{}, &apperr.AuthenticationError{Reason: "connection has no usable credential"}
	}
	b.logger.Debug("Issuing scoped client", "scope_id", scopeID, "scope_type", scopeType)
	return NewClient(token, b.logger), conn, nil
}
