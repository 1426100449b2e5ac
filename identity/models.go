package identity

import "time"

// Role is the verified role claim carried by every authenticated request.
type Role string

const (
	RolePoster  Role = "poster"
	RoleDoer    Role = "doer"
	RoleArbiter Role = "arbiter"
)

// User is the domain representation of an authenticated marketplace user.
// It mirrors the users table and carries no JSON annotations so it can be
// reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
