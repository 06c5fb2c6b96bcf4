package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestManager() *TokenManager {
	return NewTokenManager(&Config{Secret: "test-secret", TokenTTL: time.Hour})
}

func TestTokenRoundTrip(t *testing.T) {
	m := newTestManager()

	token, err := m.GenerateAccessToken(7, "alice", 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != 7 || claims.Username != "alice" || claims.TeamID != 2 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestValidateTokenRejects(t *testing.T) {
	m := newTestManager()
	good, err := m.GenerateAccessToken(7, "alice", 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	other := NewTokenManager(&Config{Secret: "other-secret", TokenTTL: time.Hour})
	forged, _ := other.GenerateAccessToken(7, "alice", 2)

	expired := newTestManager()
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, _ := expired.GenerateAccessToken(7, "alice", 2)

	teamless, _ := m.GenerateAccessToken(7, "alice", 9)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"wrong secret", forged, ErrInvalidToken},
		{"expired", stale, ErrInvalidToken},
		{"truncated", good[:len(good)-4], ErrInvalidToken},
		{"unknown team", teamless, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.ValidateToken(tt.token); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "", false},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"Token abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		token, ok := BearerToken(tt.header)
		if token != tt.token || ok != tt.ok {
			t.Fatalf("BearerToken(%q) = %q, %v; want %q, %v", tt.header, token, ok, tt.token, tt.ok)
		}
	}
}
