package auth

import "time"

type Role string

const (
	// RoleMember buys and sells. Whether a member acts as buyer or seller is
	// decided by the auction or escrow it touches.
	RoleMember   Role = "member"
	RoleJudge    Role = "judge"
	RoleArbiter  Role = "arbiter"
	RoleOperator Role = "operator"
)

// Account is the domain representation of a marketplace account.
// It mirrors the accounts table and should not include JSON annotations so it
// can be reused by different presentation layers.
type Account struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Party is the identity resolved from a token.
type Party struct {
	ID   string
	Role Role
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// LoginRequest contains account login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
