package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef-client"

func newTestService(t *testing.T, role Role) *Service {
	t.Helper()
	hash, err := HashSecret(testSecret)
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	repo, err := NewStaticRepository([]Client{{ID: "classifier", Name: "Classifier", SecretHash: hash, Role: role}})
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return NewService(repo, "test-signing-key", time.Hour)
}

func TestService_IssueAndVerify(t *testing.T) {
	svc := newTestService(t, RoleService)

	res, err := svc.IssueToken(context.Background(), TokenRequest{ClientID: "classifier", ClientSecret: testSecret})
	if err != nil {
		t.Fatalf("issue token: unexpected error: %v", err)
	}
	if res.Token == "" {
		t.Fatal("issue token: expected token, got empty string")
	}
	if res.Role != RoleService {
		t.Fatalf("issue token: expected role %s got %s", RoleService, res.Role)
	}

	claims, err := svc.VerifyToken(res.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.Subject != "classifier" {
		t.Fatalf("verify token: expected subject classifier got %q", claims.Subject)
	}
	if claims.Role != RoleService {
		t.Fatalf("verify token: expected role %s got %s", RoleService, claims.Role)
	}
	if !claims.ExpiresAt.Equal(res.ExpiresAt) {
		t.Fatalf("verify token: expiry %v != %v", claims.ExpiresAt, res.ExpiresAt)
	}
}

func TestService_InvalidCredentials(t *testing.T) {
	svc := newTestService(t, RoleOperator)

	for _, req := range []TokenRequest{
		{ClientID: "unknown", ClientSecret: testSecret},
		{ClientID: "classifier", ClientSecret: "wrong-secret-wrong-secret"},
	} {
		if _, err := svc.IssueToken(context.Background(), req); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: expected ErrInvalidCredentials, got %v", req.ClientID, err)
		}
	}
}

func TestService_ExpiredToken(t *testing.T) {
	svc := newTestService(t, RoleViewer)
	issued := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issued }

	res, err := svc.Sign("ops", RoleViewer)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	svc.now = func() time.Time { return issued.Add(2 * time.Hour) }
	if _, err := svc.VerifyToken(res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestService_RejectsForeignSignature(t *testing.T) {
	svc := newTestService(t, RoleOperator)
	other := NewService(nil, "another-key", time.Hour)

	res, err := other.Sign("ops", RoleOperator)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.VerifyToken(res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := svc.VerifyToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestHashSecret_Weak(t *testing.T) {
	if _, err := HashSecret("short"); !errors.Is(err, ErrWeakSecret) {
		t.Fatalf("expected ErrWeakSecret, got %v", err)
	}
}

func TestStaticRepository_Validation(t *testing.T) {
	if _, err := NewStaticRepository([]Client{{ID: "a", SecretHash: "plain"}}); err == nil || !strings.Contains(err.Error(), "bcrypt") {
		t.Fatalf("expected bcrypt validation error, got %v", err)
	}

	hash, err := HashSecret(testSecret)
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	_, err = NewStaticRepository([]Client{{ID: "a", SecretHash: hash}, {ID: "a", SecretHash: hash}})
	if !errors.Is(err, ErrDuplicateClient) {
		t.Fatalf("expected ErrDuplicateClient, got %v", err)
	}

	repo, err := NewStaticRepository([]Client{{ID: "a", SecretHash: hash}})
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	c, err := repo.GetClient(context.Background(), "a")
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if c.Role != RoleViewer {
		t.Fatalf("expected default role %s got %s", RoleViewer, c.Role)
	}
}

func TestRole_Allows(t *testing.T) {
	cases := []struct {
		role          Role
		write, events bool
		want          bool
	}{
		{RoleOperator, true, false, true},
		{RoleOperator, false, true, true},
		{RoleService, false, true, true},
		{RoleService, true, false, false},
		{RoleService, false, false, false},
		{RoleViewer, false, false, true},
		{RoleViewer, true, false, false},
		{RoleViewer, false, true, false},
	}
	for _, tc := range cases {
		if got := tc.role.Allows(tc.write, tc.events); got != tc.want {
			t.Fatalf("%s.Allows(write=%v, events=%v) = %v, want %v", tc.role, tc.write, tc.events, got, tc.want)
		}
	}
}
