package auth

import (
	"testing"

	"github.com/b24tools/ai-agents/internal/config"
)

func TestJWTRoundTrip(t *testing.T) {
	config.AppConfig.JWTSecret = "test-secret"

	token, err := GenerateJWT("acme.bitrix24.com")
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	domain, err := ValidateJWT(token)
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}
	if domain != "acme.bitrix24.com" {
		t.Errorf("domain = %q", domain)
	}
}

func TestValidateJWTRejectsTampering(t *testing.T) {
	config.AppConfig.JWTSecret = "test-secret"
	token, err := GenerateJWT("acme.bitrix24.com")
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	if _, err := ValidateJWT(token + "x"); err == nil {
		t.Error("tampered token accepted")
	}

	config.AppConfig.JWTSecret = "different-secret"
	if _, err := ValidateJWT(token); err == nil {
		t.Error("token accepted with wrong secret")
	}
}
