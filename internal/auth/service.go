package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"store-backend/internal/account"
	"store-backend/internal/observability"
	"store-backend/internal/password"
	"store-backend/internal/ratelimit"
	"store-backend/internal/token"
	"store-backend/internal/twofactor"
)

type Dependencies struct {
	Store     account.Store
	Orders    account.OrderHistory
	Hasher    *password.Hasher
	Issuer    *token.Issuer
	TwoFactor *twofactor.Service
	Limiter   ratelimit.Limiter
	Metrics   *observability.Metrics
	Logger    *observability.Logger
}

type Service struct {
	store     account.Store
	orders    account.OrderHistory
	hasher    *password.Hasher
	issuer    *token.Issuer
	lockout   account.LockoutPolicy
	twoFactor *twofactor.Service
	limiter   ratelimit.Limiter
	metrics   *observability.Metrics
	logger    *observability.Logger
	now       func() time.Time
}

func NewService(deps Dependencies) *Service {
	return &Service{
		store:     deps.Store,
		orders:    deps.Orders,
		hasher:    deps.Hasher,
		issuer:    deps.Issuer,
		lockout:   account.DefaultLockoutPolicy(),
		twoFactor: deps.TwoFactor,
		limiter:   deps.Limiter,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       time.Now,
	}
}

func (s *Service) WithLockoutPolicy(policy account.LockoutPolicy) {
	if policy.MaxAttempts > 0 {
		s.lockout.MaxAttempts = policy.MaxAttempts
	}
	if policy.LockDuration > 0 {
		s.lockout.LockDuration = policy.LockDuration
	}
}

func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

type RegisterInput struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,maxbytes=72"`
}

type LoginInput struct {
	Email          string `json:"email" validate:"required,email,max=254"`
	Password       string `json:"password" validate:"required,maxbytes=72"`
	TwoFactorToken string `json:"twoFactorToken,omitempty" validate:"max=32"`
}

type AuthResult struct {
	Account account.Summary `json:"account"`
	Tokens  token.Pair      `json:"tokens"`
}

// LoginResult carries either a session or the request for a second factor.
type LoginResult struct {
	RequiresTwoFactor bool             `json:"requiresTwoFactor,omitempty"`
	Account           *account.Summary `json:"account,omitempty"`
	Tokens            *token.Pair      `json:"tokens,omitempty"`
}

type TwoFactorActivation struct {
	Enabled     bool     `json:"enabled"`
	BackupCodes []string `json:"backupCodes"`
}

type Removal string

const (
	RemovalDeleted     Removal = "deleted"
	RemovalDeactivated Removal = "deactivated"
)

func (s *Service) Register(ctx context.Context, in RegisterInput) (AuthResult, error) {
	now := s.now()

	acc, err := account.New(in.Name, in.Email, account.RoleUser, now)
	if err != nil {
		return AuthResult{}, err
	}
	if _, err := acc.SetPassword(s.hasher, in.Password, now); err != nil {
		return AuthResult{}, err
	}

	if err := s.store.Create(ctx, acc); err != nil {
		if errors.Is(err, account.ErrEmailTaken) {
			s.metrics.Registration("duplicate")
			return AuthResult{}, ErrEmailTaken
		}
		return AuthResult{}, fmt.Errorf("create account: %w", err)
	}

	pair, err := s.issuePair(acc, "register")
	if err != nil {
		return AuthResult{}, err
	}

	s.metrics.Registration("success")
	s.logger.Info("account_registered", map[string]any{"account_id": acc.ID})
	return AuthResult{Account: acc.Summary(), Tokens: pair}, nil
}

// Login checks, in order: account exists and is active, lockout, password,
// then the second factor when enrolled. Only the password step feeds the
// lockout counter.
func (s *Service) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	now := s.now()

	acc, err := s.store.FindByEmail(ctx, account.NormalizeEmail(in.Email))
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			s.metrics.Login("invalid_credentials")
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("find account: %w", err)
	}
	if !acc.Active {
		s.metrics.Login("invalid_credentials")
		return LoginResult{}, ErrInvalidCredentials
	}

	if s.lockout.IsLocked(acc, now) {
		s.metrics.Login("locked")
		return LoginResult{}, LockedError{Until: *acc.Lockout.LockUntil}
	}

	if !s.hasher.Verify(in.Password, acc.PasswordHash) {
		changes := s.lockout.RecordFailure(acc, now)
		if err := s.store.Update(ctx, acc.ID, changes); err != nil {
			return LoginResult{}, fmt.Errorf("record failed login: %w", err)
		}
		if s.lockout.IsLocked(acc, now) {
			s.metrics.Login("locked")
			s.logger.Warn("account_locked", map[string]any{
				"account_id": acc.ID,
				"until":      acc.Lockout.LockUntil.Format(time.RFC3339),
			})
			return LoginResult{}, LockedError{Until: *acc.Lockout.LockUntil}
		}
		s.metrics.Login("invalid_credentials")
		return LoginResult{}, ErrInvalidCredentials
	}

	var consumed *account.TwoFactor
	if acc.TwoFactor.Enabled {
		code := strings.TrimSpace(in.TwoFactorToken)
		if code == "" {
			s.metrics.Login("two_factor_required")
			return LoginResult{RequiresTwoFactor: true}, nil
		}

		consumed, err = s.checkSecondFactor(ctx, acc, code, "login")
		if err != nil {
			return LoginResult{}, err
		}
	}

	changes := s.lockout.RecordSuccess(acc, now)
	if consumed != nil {
		acc.TwoFactor = *consumed
		changes.TwoFactor = consumed
	}
	if err := s.store.Update(ctx, acc.ID, changes); err != nil {
		return LoginResult{}, fmt.Errorf("record login: %w", err)
	}
	if acc.TwoFactor.Enabled {
		s.resetTwoFactorLimit(ctx, acc.ID)
	}

	pair, err := s.issuePair(acc, "login")
	if err != nil {
		return LoginResult{}, err
	}

	s.metrics.Login("success")
	summary := acc.Summary()
	return LoginResult{Account: &summary, Tokens: &pair}, nil
}

// checkSecondFactor accepts a TOTP code or, failing that, a backup code. When
// a backup code is consumed it returns the two-factor state to persist.
func (s *Service) checkSecondFactor(ctx context.Context, acc *account.Account, code, event string) (*account.TwoFactor, error) {
	if err := s.allowTwoFactorAttempt(ctx, acc.ID, event); err != nil {
		return nil, err
	}

	if s.twoFactor.VerifyCode(code, acc.TwoFactor.Secret) {
		s.metrics.TwoFactor(event, "totp")
		return nil, nil
	}

	if ok, remaining := twofactor.VerifyBackupCode(code, acc.TwoFactor.BackupCodes); ok {
		next := acc.TwoFactor
		next.BackupCodes = remaining
		s.metrics.TwoFactor(event, "backup_code")
		s.logger.Info("backup_code_used", map[string]any{
			"account_id": acc.ID,
			"remaining":  len(remaining),
		})
		return &next, nil
	}

	s.metrics.TwoFactor(event, "invalid")
	return nil, ErrInvalidTwoFactorCode
}

func (s *Service) allowTwoFactorAttempt(ctx context.Context, accountID, event string) error {
	decision, err := s.limiter.Allow(ctx, ratelimit.TwoFactorKey(accountID))
	if err != nil {
		return fmt.Errorf("check two-factor rate limit: %w", err)
	}
	if !decision.Allowed {
		s.metrics.TwoFactor(event, "rate_limited")
		return RateLimitedError{RetryAfter: decision.RetryAfter}
	}
	return nil
}

func (s *Service) resetTwoFactorLimit(ctx context.Context, accountID string) {
	if err := s.limiter.Reset(ctx, ratelimit.TwoFactorKey(accountID)); err != nil {
		s.logger.Warn("two_factor_limit_reset_failed", map[string]any{
			"account_id": accountID,
			"error":      err.Error(),
		})
	}
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (token.Pair, error) {
	claims, err := s.issuer.Verify(strings.TrimSpace(refreshToken), token.KindRefresh)
	if err != nil {
		return token.Pair{}, token.ErrInvalidToken
	}

	acc, err := s.resolve(ctx, claims)
	if err != nil {
		return token.Pair{}, err
	}
	return s.issuePair(acc, "refresh")
}

// Authenticate resolves an access token to the current account. The role on
// the returned identity comes from the store, not from the token.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Identity, *account.Account, error) {
	claims, err := s.issuer.Verify(accessToken, token.KindAccess)
	if err != nil {
		return Identity{}, nil, token.ErrInvalidToken
	}

	acc, err := s.resolve(ctx, claims)
	if err != nil {
		return Identity{}, nil, err
	}
	return identityFromAccount(acc), acc, nil
}

func (s *Service) resolve(ctx context.Context, claims *token.Claims) (*account.Account, error) {
	acc, err := s.store.FindByID(ctx, claims.AccountID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return nil, token.ErrInvalidToken
		}
		return nil, fmt.Errorf("find account: %w", err)
	}
	if !acc.Active || issuedBeforePasswordChange(claims, acc) {
		return nil, token.ErrInvalidToken
	}
	return acc, nil
}

// iat has second precision, so the change time is compared truncated.
func issuedBeforePasswordChange(claims *token.Claims, acc *account.Account) bool {
	if acc.PasswordChangedAt == nil || claims.IssuedAt == nil {
		return false
	}
	return claims.IssuedAt.Time.Before(acc.PasswordChangedAt.Truncate(time.Second))
}

func (s *Service) Me(ctx context.Context, accountID string) (account.Summary, error) {
	acc, err := s.findAccount(ctx, accountID)
	if err != nil {
		return account.Summary{}, err
	}
	return acc.Summary(), nil
}

// SetupTwoFactor stores a pending secret and returns the enrollment material.
// Starting over replaces any earlier pending secret.
func (s *Service) SetupTwoFactor(ctx context.Context, accountID string) (twofactor.Enrollment, error) {
	acc, err := s.findAccount(ctx, accountID)
	if err != nil {
		return twofactor.Enrollment{}, err
	}
	if acc.TwoFactor.Enabled {
		return twofactor.Enrollment{}, ErrTwoFactorEnabled
	}

	enrollment, err := s.twoFactor.GenerateEnrollment(acc.Email)
	if err != nil {
		return twofactor.Enrollment{}, err
	}

	pendingSince := s.now().UTC()
	pending := account.TwoFactor{
		Secret:       enrollment.Secret,
		BackupCodes:  twofactor.HashBackupCodes(enrollment.BackupCodes),
		PendingSince: &pendingSince,
	}
	if err := s.store.Update(ctx, acc.ID, account.Changes{TwoFactor: &pending}); err != nil {
		return twofactor.Enrollment{}, fmt.Errorf("store pending two-factor secret: %w", err)
	}

	s.metrics.TwoFactor("setup", "success")
	return enrollment, nil
}

// VerifyTwoFactor enables a pending enrollment. A fresh batch of backup codes
// replaces the one shown at setup.
func (s *Service) VerifyTwoFactor(ctx context.Context, accountID, code string) (TwoFactorActivation, error) {
	acc, err := s.findAccount(ctx, accountID)
	if err != nil {
		return TwoFactorActivation{}, err
	}
	if !acc.TwoFactor.Pending() {
		return TwoFactorActivation{}, ErrTwoFactorNotPending
	}

	if err := s.allowTwoFactorAttempt(ctx, acc.ID, "verify"); err != nil {
		return TwoFactorActivation{}, err
	}
	if !s.twoFactor.VerifyCode(code, acc.TwoFactor.Secret) {
		s.metrics.TwoFactor("verify", "invalid")
		return TwoFactorActivation{}, ErrInvalidTwoFactorCode
	}

	codes, err := s.twoFactor.GenerateBackupCodes()
	if err != nil {
		return TwoFactorActivation{}, err
	}
	enabled := account.TwoFactor{
		Enabled:     true,
		Secret:      acc.TwoFactor.Secret,
		BackupCodes: twofactor.HashBackupCodes(codes),
	}
	if err := s.store.Update(ctx, acc.ID, account.Changes{TwoFactor: &enabled}); err != nil {
		return TwoFactorActivation{}, fmt.Errorf("enable two-factor: %w", err)
	}
	s.resetTwoFactorLimit(ctx, acc.ID)

	s.metrics.TwoFactor("verify", "success")
	s.logger.Info("two_factor_enabled", map[string]any{"account_id": acc.ID})
	return TwoFactorActivation{Enabled: true, BackupCodes: codes}, nil
}

func (s *Service) DisableTwoFactor(ctx context.Context, accountID, currentPassword, code string) error {
	acc, err := s.findAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !acc.TwoFactor.Enabled {
		return ErrTwoFactorNotEnabled
	}
	if !s.hasher.Verify(currentPassword, acc.PasswordHash) {
		s.metrics.TwoFactor("disable", "invalid_password")
		return ErrInvalidCredentials
	}
	if _, err := s.checkSecondFactor(ctx, acc, strings.TrimSpace(code), "disable"); err != nil {
		return err
	}

	if err := s.store.Update(ctx, acc.ID, account.Changes{TwoFactor: &account.TwoFactor{}}); err != nil {
		return fmt.Errorf("disable two-factor: %w", err)
	}
	s.resetTwoFactorLimit(ctx, acc.ID)

	s.metrics.TwoFactor("disable", "success")
	s.logger.Info("two_factor_disabled", map[string]any{"account_id": acc.ID})
	return nil
}

// ChangePassword replaces the password and returns a new token pair. Tokens
// issued before the change stop resolving.
func (s *Service) ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string) (token.Pair, error) {
	acc, err := s.findAccount(ctx, accountID)
	if err != nil {
		return token.Pair{}, err
	}
	if !s.hasher.Verify(currentPassword, acc.PasswordHash) {
		return token.Pair{}, ErrWrongPassword
	}

	changes, err := acc.SetPassword(s.hasher, newPassword, s.now())
	if err != nil {
		return token.Pair{}, err
	}
	if err := s.store.Update(ctx, acc.ID, changes); err != nil {
		return token.Pair{}, fmt.Errorf("store new password: %w", err)
	}

	s.logger.Info("password_changed", map[string]any{"account_id": acc.ID})
	return s.issuePair(acc, "change_password")
}

// BootstrapAdmin makes sure an active admin with the given credentials exists.
// Both email and password empty is a no-op.
func (s *Service) BootstrapAdmin(ctx context.Context, name, email, plainPassword string) error {
	email = account.NormalizeEmail(email)
	if email == "" && plainPassword == "" {
		return nil
	}
	if email == "" || plainPassword == "" {
		return errors.New("admin email and password are required together")
	}

	now := s.now()
	acc, err := s.store.FindByEmail(ctx, email)
	if errors.Is(err, account.ErrNotFound) {
		acc, err = account.New(name, email, account.RoleAdmin, now)
		if err != nil {
			return err
		}
		if _, err := acc.SetPassword(s.hasher, plainPassword, now); err != nil {
			return err
		}
		if err := s.store.Create(ctx, acc); err != nil {
			return fmt.Errorf("create admin: %w", err)
		}
		s.logger.Info("admin_bootstrapped", map[string]any{"account_id": acc.ID, "created": true})
		return nil
	}
	if err != nil {
		return fmt.Errorf("find admin: %w", err)
	}

	var changes account.Changes
	if acc.Role != account.RoleAdmin {
		role := account.RoleAdmin
		changes.Role = &role
	}
	if !acc.Active {
		active := true
		changes.Active = &active
	}
	if !s.hasher.Verify(plainPassword, acc.PasswordHash) {
		pw, err := acc.SetPassword(s.hasher, plainPassword, now)
		if err != nil {
			return err
		}
		changes = changes.Merge(pw)
	}
	if changes.IsZero() {
		return nil
	}

	if err := s.store.Update(ctx, acc.ID, changes); err != nil {
		return fmt.Errorf("update admin: %w", err)
	}
	s.logger.Info("admin_bootstrapped", map[string]any{"account_id": acc.ID, "created": false})
	return nil
}

// RemoveAccount hard-deletes an account unless it owns orders, in which case
// it is only deactivated.
func (s *Service) RemoveAccount(ctx context.Context, actor Identity, targetID string) (Removal, error) {
	if !actor.Can(CapabilityManageAccounts) {
		return "", ErrForbidden
	}
	if actor.AccountID == targetID {
		return "", ErrCannotRemoveSelf
	}

	acc, err := s.findAccount(ctx, targetID)
	if err != nil {
		return "", err
	}

	hasOrders, err := s.orders.HasOrders(ctx, acc.ID)
	if err != nil {
		return "", fmt.Errorf("check order history: %w", err)
	}

	removal := RemovalDeleted
	if hasOrders {
		active := false
		if err := s.store.Update(ctx, acc.ID, account.Changes{Active: &active}); err != nil {
			return "", fmt.Errorf("deactivate account: %w", err)
		}
		removal = RemovalDeactivated
	} else if err := s.store.Delete(ctx, acc.ID); err != nil {
		return "", fmt.Errorf("delete account: %w", err)
	}

	s.logger.Info("account_removed", map[string]any{
		"account_id": acc.ID,
		"actor_id":   actor.AccountID,
		"removal":    string(removal),
	})
	return removal, nil
}

func (s *Service) findAccount(ctx context.Context, id string) (*account.Account, error) {
	acc, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("find account: %w", err)
	}
	return acc, nil
}

func (s *Service) issuePair(acc *account.Account, flow string) (token.Pair, error) {
	pair, err := s.issuer.IssuePair(token.Subject{
		AccountID: acc.ID,
		Email:     acc.Email,
		Role:      string(acc.Role),
	})
	if err != nil {
		return token.Pair{}, err
	}
	s.metrics.TokensIssued(flow)
	return pair, nil
}
