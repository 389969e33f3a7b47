package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"broker-resilience/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
)

// Claims represents the JWT claims for the admin API
type Claims struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// Token is a successful login response
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Manager issues and validates admin API tokens. The admin credential
// is a single configured username plus bcrypt password hash; there is
// no user store behind it.
type Manager struct {
	enabled           bool
	secret            []byte
	adminUsername     string
	adminPasswordHash string
	tokenDuration     time.Duration
}

// NewManager creates an auth manager from configuration
func NewManager(cfg config.AuthConfig) *Manager {
	duration := cfg.AccessTokenDuration
	if duration <= 0 {
		duration = 15 * time.Minute
	}
	return &Manager{
		enabled:           cfg.Enabled,
		secret:            []byte(cfg.JWTSecret),
		adminUsername:     cfg.AdminUsername,
		adminPasswordHash: cfg.AdminPasswordHash,
		tokenDuration:     duration,
	}
}

// Enabled reports whether mutation endpoints require authentication.
// A nil manager counts as disabled so callers can skip the nil check.
func (m *Manager) Enabled() bool {
	return m != nil && m.enabled
}

// Login verifies admin credentials and issues an access token
func (m *Manager) Login(username, password string) (*Token, error) {
	if username != m.adminUsername || m.adminPasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(m.adminPasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	accessToken, err := m.generateAccessToken(username)
	if err != nil {
		return nil, err
	}

	return &Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(m.tokenDuration.Seconds()),
	}, nil
}

func (m *Manager) generateAccessToken(username string) (string, error) {
	now := time.Now()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username: username,
		IsAdmin:  true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "broker-resilience",
			Audience:  []string{"broker-resilience-api"},
		},
	})

	signedToken, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signedToken, nil
}

// ValidateToken validates an access token and returns its claims
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashPassword hashes a password for the admin credential config
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}
