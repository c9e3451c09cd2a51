package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agritrace/offsync/internal/offline/model"
	"github.com/agritrace/offsync/internal/offline/store"
)

// TokenSource supplies the bearer token for outgoing calls.
// An empty token with a nil error means "send no Authorization header".
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource always returns the same token.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token(context.Context) (string, error) {
	return string(s), nil
}

// StoreTokenSource reads a per-user token saved in the local store.
// Expired tokens are deleted and never sent.
type StoreTokenSource struct {
	DB     *store.DB
	UserID string

	// Now defaults to time.Now.
	Now func() time.Time
}

// Token implements TokenSource.
func (s *StoreTokenSource) Token(ctx context.Context) (string, error) {
	cred, err := s.DB.GetCredential(ctx, s.UserID)
	if errors.Is(err, model.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if cred.Expired(now()) {
		if err := s.DB.DeleteCredential(ctx, s.UserID); err != nil {
			return "", fmt.Errorf("failed to drop expired token: %w", err)
		}
		return "", nil
	}
	return cred.Token, nil
}

// ChainTokenSource returns the first non-empty token.
type ChainTokenSource []TokenSource

// Token implements TokenSource.
func (c ChainTokenSource) Token(ctx context.Context) (string, error) {
	for _, src := range c {
		if src == nil {
			continue
		}
		tok, err := src.Token(ctx)
		if err != nil {
			return "", err
		}
		if tok != "" {
			return tok, nil
		}
	}
	return "", nil
}
