package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"carflow/db"
	"carflow/failure"
)

var (
	// ErrAccountNotFound signals that the account does not exist.
	ErrAccountNotFound = failure.New(failure.KindNotFound, "auth: account not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = failure.New(failure.KindConflict, "auth: email already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetAccountByEmail(ctx context.Context, email string) (Account, error)
	GetAccountByID(ctx context.Context, id string) (Account, error)
}

// CreateAccountParams contains write parameters for creating accounts.
type CreateAccountParams struct {
	Email        string
	DisplayName  string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool db.Querier
	now  func() time.Time
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool db.Querier) *PGRepository {
	return &PGRepository{pool: pool, now: time.Now}
}

// CreateAccount inserts a new account with hashed password.
func (r *PGRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	const insertSQL = `
		INSERT INTO accounts (id, email, display_name, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id, email, display_name, password_hash, role, created_at, updated_at
	`

	account, err := scanAccount(r.pool.QueryRow(ctx, insertSQL,
		uuid.NewString(), params.Email, params.DisplayName, params.PasswordHash, string(params.Role), r.now().UTC(),
	))
	if err != nil {
		if db.IsUniqueViolation(err, "accounts_email_key") {
			return Account{}, ErrDuplicateEmail
		}
		return Account{}, fmt.Errorf("auth: create account: %w", err)
	}

	return account, nil
}

// GetAccountByEmail retrieves an account by email address.
func (r *PGRepository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	const selectSQL = `
		SELECT id, email, display_name, password_hash, role, created_at, updated_at
		FROM accounts
		WHERE lower(email) = lower($1)
	`

	account, err := scanAccount(r.pool.QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by email: %w", err)
	}

	return account, nil
}

// GetAccountByID retrieves an account by ID.
func (r *PGRepository) GetAccountByID(ctx context.Context, id string) (Account, error) {
	const selectSQL = `
		SELECT id, email, display_name, password_hash, role, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`

	account, err := scanAccount(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by id: %w", err)
	}

	return account, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		account Account
		role    string
	)
	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.DisplayName,
		&account.PasswordHash,
		&role,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}
	account.Role = Role(role)
	return account, nil
}

// MemoryRepository keeps accounts in process.
type MemoryRepository struct {
	mu      sync.RWMutex
	byEmail map[string]Account
	byID    map[string]Account
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byEmail: make(map[string]Account),
		byID:    make(map[string]Account),
	}
}

func (m *MemoryRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(params.Email)
	if _, exists := m.byEmail[key]; exists {
		return Account{}, ErrDuplicateEmail
	}
	now := time.Now().UTC()
	account := Account{
		ID:           uuid.NewString(),
		Email:        params.Email,
		DisplayName:  params.DisplayName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.byEmail[key] = account
	m.byID[account.ID] = account
	return account, nil
}

func (m *MemoryRepository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (m *MemoryRepository) GetAccountByID(ctx context.Context, id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.byID[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}
