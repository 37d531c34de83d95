package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const accountColumns = `
	id, name, email, password_hash, password_changed_at, role, active,
	failed_login_attempts, lock_until,
	two_factor_enabled, two_factor_secret, two_factor_backup_codes, two_factor_pending_since,
	last_login_at, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, NormalizeEmail(email))
	return scanAccount(row)
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (*Account, error) {
	var (
		acc               Account
		passwordHash      sql.NullString
		passwordChangedAt sql.NullTime
		lockUntil         sql.NullTime
		secret            sql.NullString
		backupCodes       []byte
		pendingSince      sql.NullTime
		lastLoginAt       sql.NullTime
	)

	err := row.Scan(
		&acc.ID, &acc.Name, &acc.Email, &passwordHash, &passwordChangedAt, &acc.Role, &acc.Active,
		&acc.Lockout.FailedAttempts, &lockUntil,
		&acc.TwoFactor.Enabled, &secret, &backupCodes, &pendingSince,
		&lastLoginAt, &acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query account: %w", err)
	}

	acc.PasswordHash = passwordHash.String
	acc.PasswordChangedAt = nullTime(passwordChangedAt)
	acc.Lockout.LockUntil = nullTime(lockUntil)
	acc.TwoFactor.Secret = secret.String
	acc.TwoFactor.PendingSince = nullTime(pendingSince)
	acc.LastLoginAt = nullTime(lastLoginAt)
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()

	if len(backupCodes) > 0 {
		if err := json.Unmarshal(backupCodes, &acc.TwoFactor.BackupCodes); err != nil {
			return nil, fmt.Errorf("decode backup codes: %w", err)
		}
		if len(acc.TwoFactor.BackupCodes) == 0 {
			acc.TwoFactor.BackupCodes = nil
		}
	}

	return &acc, nil
}

func (s *PostgresStore) Create(ctx context.Context, acc *Account) error {
	acc.Email = NormalizeEmail(acc.Email)
	codes, err := encodeCodes(acc.TwoFactor.BackupCodes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		acc.ID, acc.Name, acc.Email, nullString(acc.PasswordHash), acc.PasswordChangedAt, string(acc.Role), acc.Active,
		acc.Lockout.FailedAttempts, acc.Lockout.LockUntil,
		acc.TwoFactor.Enabled, nullString(acc.TwoFactor.Secret), codes, acc.TwoFactor.PendingSince,
		acc.LastLoginAt, acc.CreatedAt.UTC(), acc.UpdatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert account: %w", err)
	}

	return nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, changes Changes) error {
	if err := changes.Validate(); err != nil {
		return err
	}

	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if changes.Name != nil {
		set("name", *changes.Name)
	}
	if changes.PasswordHash != nil {
		set("password_hash", nullString(*changes.PasswordHash))
	}
	if changes.PasswordChangedAt != nil {
		set("password_changed_at", changes.PasswordChangedAt.UTC())
	}
	if changes.Role != nil {
		set("role", string(*changes.Role))
	}
	if changes.Active != nil {
		set("active", *changes.Active)
	}
	if changes.Lockout != nil {
		set("failed_login_attempts", changes.Lockout.FailedAttempts)
		set("lock_until", changes.Lockout.LockUntil)
	}
	if changes.TwoFactor != nil {
		codes, err := encodeCodes(changes.TwoFactor.BackupCodes)
		if err != nil {
			return err
		}
		set("two_factor_enabled", changes.TwoFactor.Enabled)
		set("two_factor_secret", nullString(changes.TwoFactor.Secret))
		set("two_factor_backup_codes", codes)
		set("two_factor_pending_since", changes.TwoFactor.PendingSince)
	}
	if changes.LastLoginAt != nil {
		set("last_login_at", changes.LastLoginAt.UTC())
	}
	set("updated_at", time.Now().UTC())

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE accounts SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete account rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClearStalePendingTwoFactor(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM accounts
			WHERE two_factor_enabled = FALSE
				AND two_factor_pending_since IS NOT NULL
				AND two_factor_pending_since <= $1
			ORDER BY two_factor_pending_since ASC
			LIMIT $2
		)
		UPDATE accounts a
		SET two_factor_secret = NULL,
			two_factor_backup_codes = '[]'::jsonb,
			two_factor_pending_since = NULL,
			updated_at = NOW()
		FROM stale
		WHERE a.id = stale.id
	`, cutoff.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("clear stale two-factor setups: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale two-factor setups rows affected: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PostgresOrderHistory reads the orders table shared with the ordering service.
type PostgresOrderHistory struct {
	db *sql.DB
}

func NewPostgresOrderHistory(db *sql.DB) *PostgresOrderHistory {
	return &PostgresOrderHistory{db: db}
}

func (h *PostgresOrderHistory) HasOrders(ctx context.Context, accountID string) (bool, error) {
	var exists bool
	if err := h.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE account_id = $1)`, accountID).Scan(&exists); err != nil {
		return false, fmt.Errorf("query account orders: %w", err)
	}
	return exists, nil
}

func encodeCodes(codes []string) (string, error) {
	if codes == nil {
		codes = []string{}
	}
	encoded, err := json.Marshal(codes)
	if err != nil {
		return "", fmt.Errorf("encode backup codes: %w", err)
	}
	return string(encoded), nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
