package auth

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"broker-resilience/config"
)

func testConfig(t *testing.T) config.AuthConfig {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}
	return config.AuthConfig{
		Enabled:             true,
		JWTSecret:           "test-signing-secret",
		AdminUsername:       "admin",
		AdminPasswordHash:   string(hash),
		AccessTokenDuration: 15 * time.Minute,
	}
}

func TestLoginAndValidateRoundTrip(t *testing.T) {
	m := NewManager(testConfig(t))

	token, err := m.Login("admin", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if token.TokenType != "Bearer" || token.ExpiresIn != 900 {
		t.Errorf("Unexpected token metadata: %+v", token)
	}

	claims, err := m.ValidateToken(token.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.Username != "admin" || !claims.IsAdmin {
		t.Errorf("Unexpected claims: %+v", claims)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	m := NewManager(testConfig(t))

	if _, err := m.Login("admin", "wrong-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Wrong password should fail with ErrInvalidCredentials, got %v", err)
	}
	if _, err := m.Login("operator", "s3cret-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Unknown user should fail with ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginRejectsEmptyHash(t *testing.T) {
	cfg := testConfig(t)
	cfg.AdminPasswordHash = ""
	m := NewManager(cfg)

	if _, err := m.Login("admin", "anything"); !errors.Is(err, ErrInvalidCredentials) {
		t.Error("Missing password hash must never authenticate")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.AccessTokenDuration = -time.Minute
	m := NewManager(cfg)

	// NewManager floors non-positive durations, so sign directly
	m.tokenDuration = -time.Minute
	token, err := m.generateAccessToken("admin")
	if err != nil {
		t.Fatalf("generateAccessToken failed: %v", err)
	}

	if _, err := m.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Expired token should fail with ErrTokenExpired, got %v", err)
	}
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	m := NewManager(testConfig(t))

	other := testConfig(t)
	other.JWTSecret = "different-secret"
	foreign, err := NewManager(other).Login("admin", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if _, err := m.ValidateToken(foreign.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Foreign signature should fail with ErrInvalidToken, got %v", err)
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	m := NewManager(testConfig(t))
	if _, err := m.ValidateToken("not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Garbage token should fail with ErrInvalidToken, got %v", err)
	}
}

func TestHashPasswordVerifies(t *testing.T) {
	hash, err := HashPassword("round-trip")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte("round-trip")) != nil {
		t.Error("Hashed password should verify")
	}
}
