package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const DefaultTokenTTL = 12 * time.Hour

var (
	// ErrInvalidCredentials signals an unknown client or wrong secret.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakSecret signals a client secret shorter than 16 characters.
	ErrWeakSecret = errors.New("auth: secret must be at least 16 characters")
	// ErrInvalidToken wraps every token verification failure.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Service issues and verifies bearer tokens for API clients.
type Service struct {
	repo      Repository
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// TokenResult bundles the token and its expiry.
type TokenResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Role      Role      `json:"role"`
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

// HashSecret returns the bcrypt hash stored in configuration for a client.
func HashSecret(secret string) (string, error) {
	if len(secret) < 16 {
		return "", ErrWeakSecret
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash secret: %w", err)
	}
	return string(hash), nil
}

// IssueToken authenticates a client and returns a signed token.
func (s *Service) IssueToken(ctx context.Context, req TokenRequest) (TokenResult, error) {
	client, err := s.repo.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return TokenResult{}, ErrInvalidCredentials
		}
		return TokenResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(req.ClientSecret)); err != nil {
		return TokenResult{}, ErrInvalidCredentials
	}

	return s.Sign(client.ID, client.Role)
}

// Sign creates a token for subject without checking credentials. The CLI
// uses it to mint tokens for operators.
func (s *Service) Sign(subject string, role Role) (TokenResult, error) {
	if !isValidRole(role) {
		return TokenResult{}, fmt.Errorf("auth: invalid role %q", role)
	}
	now := s.now()
	exp := now.Add(s.ttl)
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return TokenResult{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return TokenResult{Token: token, ExpiresAt: time.Unix(exp.Unix(), 0).UTC(), Role: role}, nil
}

// VerifyToken validates a token and returns its claims.
func (s *Service) VerifyToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok || !isValidRole(Role(roleStr)) {
		return Claims{}, fmt.Errorf("%w: invalid role", ErrInvalidToken)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Claims{}, fmt.Errorf("%w: missing expiry", ErrInvalidToken)
	}
	return Claims{Subject: subject, Role: Role(roleStr), ExpiresAt: exp.UTC()}, nil
}

// Allows reports whether role may perform a call of the given kind.
func (r Role) Allows(write, events bool) bool {
	switch r {
	case RoleOperator:
		return true
	case RoleService:
		return events
	case RoleViewer:
		return !write && !events
	}
	return false
}

func isValidRole(role Role) bool {
	switch role {
	case RoleOperator, RoleService, RoleViewer:
		return true
	default:
		return false
	}
}
