package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/animalwelfare/intake/internal/platform/db"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// UserDirectoryPG stores accounts in the agency's app_user table.
type UserDirectoryPG struct{ pool *pgxpool.Pool }

func NewUserDirectoryPG(pool *pgxpool.Pool) *UserDirectoryPG {
	return &UserDirectoryPG{pool: pool}
}

func (r *UserDirectoryPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *UserDirectoryPG) GetByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, username, display_name, password_hash, roles, active
		FROM app_user WHERE username = $1`, strings.ToLower(username)).
		Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.Roles, &u.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Create stores a new account with a bcrypt hash of password.
func (r *UserDirectoryPG) Create(ctx context.Context, username, displayName, password string, roles []string) (*User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &User{
		ID:           uuid.New(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Roles:        roles,
		Active:       true,
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO app_user (id, username, display_name, password_hash, roles, active)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		u.ID, u.Username, u.DisplayName, u.PasswordHash, u.Roles, u.Active)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}
