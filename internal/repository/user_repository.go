package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nanobanana/imagebot/internal/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Get(ctx context.Context, id int64) (*models.User, error) {
	const query = `
SELECT id, COALESCE(username, ''), COALESCE(full_name, ''), balance, tariff, tariff_expires_at, created_at, updated_at
FROM users WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	var u models.User
	var expires sql.NullTime
	if err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Balance, &u.Tariff, &expires, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		u.TariffExpiresAt = &t
	}
	return &u, nil
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	const query = `
INSERT INTO users (id, username, full_name, balance, tariff, tariff_expires_at)
VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, user.ID, user.Username, user.FullName, user.Balance, user.Tariff, user.TariffExpiresAt); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, id int64, username, fullName string) error {
	const query = `
UPDATE users SET username = NULLIF(?, ''), full_name = NULLIF(?, ''), updated_at = NOW()
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, username, fullName, id); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// Ensure returns the user, creating a fresh demo account with the start bonus
// on first contact. Profile fields of existing users are refreshed in the
// background.
func (r *UserRepository) Ensure(ctx context.Context, id int64, username, fullName string, startBonus int64) (*models.User, bool, error) {
	user, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		go func() {
			_ = r.UpdateProfile(context.Background(), user.ID, username, fullName)
		}()
		return user, false, nil
	}
	newUser := &models.User{
		ID:       id,
		Username: username,
		FullName: fullName,
		Balance:  startBonus,
		Tariff:   models.TariffDemo,
	}
	created, err := r.Create(ctx, newUser)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// Debit reserves amount from the balance in a single conditional update, so
// the balance can never be observed negative. Returns the new balance and
// whether the reservation happened; ok=false means insufficient funds.
func (r *UserRepository) Debit(ctx context.Context, id int64, amount int64) (int64, bool, error) {
	const query = `
UPDATE users SET balance = balance - ?, updated_at = NOW()
WHERE id = ? AND balance >= ?`
	res, err := r.db.ExecContext(ctx, query, amount, id, amount)
	if err != nil {
		return 0, false, fmt.Errorf("debit balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("debit rows affected: %w", err)
	}
	if affected == 0 {
		return 0, false, nil
	}
	balance, err := r.Balance(ctx, id)
	if err != nil {
		return 0, true, err
	}
	return balance, true, nil
}

// Credit reverses a debit (or tops up) and returns the new balance.
func (r *UserRepository) Credit(ctx context.Context, id int64, amount int64) (int64, error) {
	const query = `UPDATE users SET balance = balance + ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, amount, id); err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return r.Balance(ctx, id)
}

func (r *UserRepository) Balance(ctx context.Context, id int64) (int64, error) {
	const query = `SELECT balance FROM users WHERE id = ?`
	var balance int64
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&balance); err != nil {
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}

func (r *UserRepository) SetTariff(ctx context.Context, id int64, tariff models.Tariff, expiresAt *time.Time) error {
	const query = `UPDATE users SET tariff = ?, tariff_expires_at = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, tariff, expiresAt, id); err != nil {
		return fmt.Errorf("set tariff: %w", err)
	}
	return nil
}

func (r *UserRepository) ListIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT id FROM users`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UserStats is one row of the admin user listing.
type UserStats struct {
	models.User
	Generations int64
	TokensUsed  int64
}

func (r *UserRepository) ListWithStats(ctx context.Context) ([]UserStats, error) {
	const query = `
SELECT u.id, COALESCE(u.username, ''), COALESCE(u.full_name, ''), u.balance, u.tariff, u.tariff_expires_at,
       u.created_at, u.updated_at,
       COUNT(g.id), COALESCE(SUM(g.tokens_used), 0)
FROM users u
LEFT JOIN generations g ON g.user_id = u.id
GROUP BY u.id
ORDER BY COUNT(g.id) DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users with stats: %w", err)
	}
	defer rows.Close()

	var stats []UserStats
	for rows.Next() {
		var s UserStats
		var expires sql.NullTime
		if err := rows.Scan(&s.ID, &s.Username, &s.FullName, &s.Balance, &s.Tariff, &expires, &s.CreatedAt, &s.UpdatedAt, &s.Generations, &s.TokensUsed); err != nil {
			return nil, fmt.Errorf("scan user stats: %w", err)
		}
		if expires.Valid {
			t := expires.Time
			s.TariffExpiresAt = &t
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
