package account

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound   = errors.New("account not found")
	ErrEmailTaken = errors.New("email already registered")
	ErrInvariant  = errors.New("account invariant violated")
)

// Store persists accounts. Email uniqueness is enforced by every implementation.
type Store interface {
	FindByEmail(ctx context.Context, email string) (*Account, error)
	FindByID(ctx context.Context, id string) (*Account, error)
	Create(ctx context.Context, acc *Account) error
	Update(ctx context.Context, id string, changes Changes) error
	Delete(ctx context.Context, id string) error
	ClearStalePendingTwoFactor(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	Ping(ctx context.Context) error
}

// OrderHistory answers whether an account owns orders. It is owned by the
// ordering subsystem; only the question is asked here.
type OrderHistory interface {
	HasOrders(ctx context.Context, accountID string) (bool, error)
}

// Changes is a partial update. Nil fields are left untouched; Lockout and
// TwoFactor are replaced as a whole.
type Changes struct {
	Name              *string
	PasswordHash      *string
	PasswordChangedAt *time.Time
	Role              *Role
	Active            *bool
	Lockout           *Lockout
	TwoFactor         *TwoFactor
	LastLoginAt       *time.Time
}

func (c Changes) IsZero() bool {
	return c == Changes{}
}

// Merge returns c with every non-nil field of other applied on top.
func (c Changes) Merge(other Changes) Changes {
	if other.Name != nil {
		c.Name = other.Name
	}
	if other.PasswordHash != nil {
		c.PasswordHash = other.PasswordHash
	}
	if other.PasswordChangedAt != nil {
		c.PasswordChangedAt = other.PasswordChangedAt
	}
	if other.Role != nil {
		c.Role = other.Role
	}
	if other.Active != nil {
		c.Active = other.Active
	}
	if other.Lockout != nil {
		c.Lockout = other.Lockout
	}
	if other.TwoFactor != nil {
		c.TwoFactor = other.TwoFactor
	}
	if other.LastLoginAt != nil {
		c.LastLoginAt = other.LastLoginAt
	}
	return c
}

func (c Changes) Validate() error {
	if c.Role != nil && !c.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvariant, *c.Role)
	}
	if c.TwoFactor != nil && c.TwoFactor.Enabled && c.TwoFactor.Secret == "" {
		return fmt.Errorf("%w: two-factor enabled without secret", ErrInvariant)
	}
	return nil
}

func (a *Account) ApplyChanges(c Changes, now time.Time) {
	if c.Name != nil {
		a.Name = *c.Name
	}
	if c.PasswordHash != nil {
		a.PasswordHash = *c.PasswordHash
	}
	if c.PasswordChangedAt != nil {
		a.PasswordChangedAt = c.PasswordChangedAt
	}
	if c.Role != nil {
		a.Role = *c.Role
	}
	if c.Active != nil {
		a.Active = *c.Active
	}
	if c.Lockout != nil {
		a.Lockout = *c.Lockout
	}
	if c.TwoFactor != nil {
		a.TwoFactor = *c.TwoFactor
		a.TwoFactor.BackupCodes = append([]string(nil), c.TwoFactor.BackupCodes...)
	}
	if c.LastLoginAt != nil {
		a.LastLoginAt = c.LastLoginAt
	}
	a.UpdatedAt = now.UTC()
}
