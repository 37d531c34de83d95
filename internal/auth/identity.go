package auth

import (
	"context"

	"store-backend/internal/account"
)

// Identity is what a verified access token resolves to.
type Identity struct {
	AccountID string       `json:"accountId"`
	Email     string       `json:"email"`
	Role      account.Role `json:"role"`
}

type Capability string

const (
	CapabilityManageTwoFactor Capability = "two_factor:manage"
	CapabilityManageAccounts  Capability = "accounts:manage"
)

var roleCapabilities = map[account.Role][]Capability{
	account.RoleAdmin: {CapabilityManageTwoFactor, CapabilityManageAccounts},
	account.RoleUser:  nil,
}

func (i Identity) Can(c Capability) bool {
	for _, granted := range roleCapabilities[i.Role] {
		if granted == c {
			return true
		}
	}
	return false
}

func identityFromAccount(acc *account.Account) Identity {
	return Identity{AccountID: acc.ID, Email: acc.Email, Role: acc.Role}
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}
