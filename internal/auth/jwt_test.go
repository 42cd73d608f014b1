package auth

import (
	"errors"
	"testing"
	"time"
)

func TestJWTManager_GenerateAndValidate(t *testing.T) {
	manager := NewJWTManager(DefaultJWTConfig("test-secret"))

	token, err := manager.GenerateToken("search-frontend")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := manager.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.ClientName != "search-frontend" {
		t.Errorf("client name %q, want search-frontend", claims.ClientName)
	}
	if claims.Subject != "search-frontend" {
		t.Errorf("subject %q, want search-frontend", claims.Subject)
	}
}

func TestJWTManager_RejectsWrongSecret(t *testing.T) {
	manager := NewJWTManager(DefaultJWTConfig("secret-a"))
	other := NewJWTManager(DefaultJWTConfig("secret-b"))

	token, err := manager.GenerateToken("client")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTManager_RejectsExpired(t *testing.T) {
	cfg := DefaultJWTConfig("test-secret")
	cfg.Expiry = -time.Minute
	manager := NewJWTManager(cfg)

	token, err := manager.GenerateToken("client")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	if _, err := manager.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestJWTManager_RejectsGarbage(t *testing.T) {
	manager := NewJWTManager(DefaultJWTConfig("test-secret"))

	if _, err := manager.ValidateToken("not-a-token"); err == nil {
		t.Error("expected error for malformed token")
	}
}
