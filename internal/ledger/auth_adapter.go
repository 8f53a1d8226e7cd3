package ledger

import (
	"context"

	"github.com/alecgard/obol/internal/auth"
)

// AuthAdapter bridges the ledger account store to the auth package's lookup
// interface without the auth package importing ledger types.
type AuthAdapter struct {
	store *Store
}

// NewAuthAdapter creates an adapter that bridges ledger.Store to auth.AccountLookup.
func NewAuthAdapter(store *Store) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// GetByKeyHash looks up an account by API key hash and converts to auth.Identity.
func (a *AuthAdapter) GetByKeyHash(ctx context.Context, hash string) (*auth.Identity, error) {
	acct, err := a.store.GetByKeyHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &auth.Identity{
		AccountID: acct.ID,
		Name:      acct.Name,
	}, nil
}
