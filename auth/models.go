package auth

import "time"

type Role string

const (
	// RoleOperator may read and change obligations and trigger scans.
	RoleOperator Role = "operator"
	// RoleService is for upstream producers posting events.
	RoleService Role = "service"
	// RoleViewer may only read.
	RoleViewer Role = "viewer"
)

// Client is an API caller allowed to request tokens. Secrets are only ever
// held as bcrypt hashes.
type Client struct {
	ID         string
	Name       string
	SecretHash string
	Role       Role
}

// TokenRequest contains client credentials supplied by callers.
type TokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Claims is what a verified token carries.
type Claims struct {
	Subject   string
	Role      Role
	ExpiresAt time.Time
}
