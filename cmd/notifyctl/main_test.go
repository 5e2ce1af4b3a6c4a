package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cardpilot.io/notifier/internal/api/middleware"
)

func TestRun_UnknownCommand(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{nil, {"bogus"}} {
		if err := run(args, &bytes.Buffer{}); err == nil {
			t.Fatalf("run(%v) = nil, want error", args)
		}
	}
}

func TestRunWatch_RejectsBadFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing token", args: []string{"-token", ""}, want: "token"},
		{name: "bad ack", args: []string{"-token", "x", "-ack", "open"}, want: "ack action"},
	}
	for _, tt := range tests {
		err := runWatch(tt.args, &bytes.Buffer{})
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: err = %v, want containing %q", tt.name, err, tt.want)
		}
	}
}

func TestWriteToken(t *testing.T) {
	t.Parallel()

	cfg := middleware.JWTConfig{SigningKey: []byte("0123456789abcdef0123456789abcdef"), Issuer: "cardpilot", ExpiresIn: time.Hour}
	var out bytes.Buffer
	if err := writeToken(&out, cfg, "user-1", []string{middleware.PermNotificationsWrite}); err != nil {
		t.Fatalf("writeToken: %v", err)
	}

	var body struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.Unmarshal(out.Bytes(), &body); err != nil {
		t.Fatalf("decode output: %v", err)
	}

	claims := &middleware.JWTClaims{}
	_, err := jwt.ParseWithClaims(body.Token, claims, func(*jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	})
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("subject = %q, want user-1", claims.Subject)
	}
	if len(claims.Permissions) != 1 || claims.Permissions[0] != middleware.PermNotificationsWrite {
		t.Fatalf("permissions = %v", claims.Permissions)
	}
}

func TestPermList(t *testing.T) {
	t.Parallel()

	var p permList
	_ = p.Set("a")
	_ = p.Set("b")
	if p.String() != "a,b" {
		t.Fatalf("String() = %q, want a,b", p.String())
	}
}
