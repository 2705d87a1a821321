package main

import (
	"strings"
	"testing"

	"donaarepa/backend/internal/config"
)

func TestValidateSecurityConfig(t *testing.T) {
	base := config.Config{
		AuthSecret:    strings.Repeat("s", 32),
		AdminPassword: "bootstrap-pass",
	}

	if err := validateSecurityConfig(base); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	short := base
	short.AuthSecret = "too-short"
	if err := validateSecurityConfig(short); err == nil {
		t.Fatal("short AUTH_SECRET accepted")
	}

	noUsers := base
	noUsers.AdminPassword = ""
	noUsers.CashierPassword = ""
	if err := validateSecurityConfig(noUsers); err == nil {
		t.Fatal("config without bootstrap users accepted")
	}
}
