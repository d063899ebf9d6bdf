// Package auth registers marketplace accounts and turns bearer tokens into
// the party identity the settlement operations authorize against.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"carflow/failure"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = failure.New(failure.KindForbidden, "auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword  = failure.New(failure.KindValidation, "auth: password must be at least 8 characters")
	ErrMissingFields = failure.New(failure.KindValidation, "auth: email and display_name are required")
	ErrInvalidRole   = failure.New(failure.KindValidation, "auth: invalid role")
	ErrInvalidToken  = failure.New(failure.KindForbidden, "auth: invalid token")
)

const defaultTokenTTL = 24 * time.Hour

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// LoginResult bundles the token and account returned after a successful login.
type LoginResult struct {
	Token   string
	Account Account
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  defaultTokenTTL,
		now:       time.Now,
	}
}

func (s *Service) WithTokenTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.tokenTTL = ttl
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Register creates a new account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Account, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	email := strings.TrimSpace(req.Email)
	name := strings.TrimSpace(req.DisplayName)
	if email == "" || name == "" {
		return nil, ErrMissingFields
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleMember
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("%w %q", ErrInvalidRole, role)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	account, err := s.repo.CreateAccount(ctx, CreateAccountParams{
		Email:        email,
		DisplayName:  name,
		PasswordHash: string(passwordHash),
		Role:         role,
	})
	if err != nil {
		return nil, err
	}

	return &account, nil
}

// Login authenticates an account and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	account, err := s.repo.GetAccountByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.IssueToken(Party{ID: account.ID, Role: account.Role})
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{Token: token, Account: account}, nil
}

// Account retrieves account information by ID.
func (s *Service) Account(ctx context.Context, id string) (*Account, error) {
	account, err := s.repo.GetAccountByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// IssueToken signs an HS256 token carrying the party id in sub and its role.
func (s *Service) IssueToken(p Party) (string, error) {
	if p.ID == "" || !isValidRole(p.Role) {
		return "", ErrInvalidToken
	}
	now := s.now()
	claims := jwt.MapClaims{
		"sub":  p.ID,
		"role": string(p.Role),
		"exp":  now.Add(s.tokenTTL).Unix(),
		"iat":  now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// Resolve validates a JWT token and returns the party it was issued to.
func (s *Service) Resolve(tokenString string) (Party, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Party{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Party{}, ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Party{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Party{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Party{}, fmt.Errorf("%w: role %q", ErrInvalidToken, roleStr)
	}
	return Party{ID: sub, Role: role}, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleMember, RoleJudge, RoleArbiter, RoleOperator:
		return true
	default:
		return false
	}
}
