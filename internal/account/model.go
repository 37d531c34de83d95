package account

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

type Lockout struct {
	FailedAttempts int        `bson:"failedAttempts"`
	LockUntil      *time.Time `bson:"lockUntil,omitempty"`
}

// TwoFactor holds enrollment state. BackupCodes are hashes, never plaintext.
type TwoFactor struct {
	Enabled      bool       `bson:"enabled"`
	Secret       string     `bson:"secret,omitempty"`
	BackupCodes  []string   `bson:"backupCodes,omitempty"`
	PendingSince *time.Time `bson:"pendingSince,omitempty"`
}

// Pending reports whether a setup was started but never verified.
func (t TwoFactor) Pending() bool {
	return !t.Enabled && t.Secret != ""
}

type Account struct {
	ID                string     `bson:"_id"`
	Name              string     `bson:"name"`
	Email             string     `bson:"email"`
	PasswordHash      string     `bson:"passwordHash,omitempty"`
	PasswordChangedAt *time.Time `bson:"passwordChangedAt,omitempty"`
	Role              Role       `bson:"role"`
	Active            bool       `bson:"active"`
	Lockout           Lockout    `bson:"lockout"`
	TwoFactor         TwoFactor  `bson:"twoFactor"`
	LastLoginAt       *time.Time `bson:"lastLoginAt,omitempty"`
	CreatedAt         time.Time  `bson:"createdAt"`
	UpdatedAt         time.Time  `bson:"updatedAt"`
}

type Summary struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Email            string     `json:"email"`
	Role             Role       `json:"role"`
	TwoFactorEnabled bool       `json:"twoFactorEnabled"`
	LastLoginAt      *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

type PasswordHasher interface {
	Hash(plaintext string) (string, error)
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func New(name, email string, role Role, now time.Time) (*Account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate account id: %w", err)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvariant, role)
	}

	now = now.UTC()
	return &Account{
		ID:        id.String(),
		Name:      strings.TrimSpace(name),
		Email:     NormalizeEmail(email),
		Role:      role,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// SetPassword hashes plaintext into the account and returns the changes to persist.
func (a *Account) SetPassword(hasher PasswordHasher, plaintext string, now time.Time) (Changes, error) {
	hashed, err := hasher.Hash(plaintext)
	if err != nil {
		return Changes{}, err
	}

	changedAt := now.UTC()
	a.PasswordHash = hashed
	a.PasswordChangedAt = &changedAt
	return Changes{PasswordHash: &hashed, PasswordChangedAt: &changedAt}, nil
}

func (a *Account) Summary() Summary {
	return Summary{
		ID:               a.ID,
		Name:             a.Name,
		Email:            a.Email,
		Role:             a.Role,
		TwoFactorEnabled: a.TwoFactor.Enabled,
		LastLoginAt:      a.LastLoginAt,
		CreatedAt:        a.CreatedAt,
	}
}

func (a *Account) clone() *Account {
	cp := *a
	cp.TwoFactor.BackupCodes = append([]string(nil), a.TwoFactor.BackupCodes...)
	return &cp
}
