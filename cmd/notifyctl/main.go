// Package main is a command-line client for the notifier realtime stream.
//
//	notifyctl token -user u-1 -perm notifications:write
//	notifyctl watch -url ws://localhost:8080/api/v1/ws -token $TOKEN -ack read
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/api/middleware"
	"cardpilot.io/notifier/internal/config"
	"cardpilot.io/notifier/internal/pkg/logger"
	"cardpilot.io/notifier/pkg/realtimeclient"
)

const usage = `usage: notifyctl <command> [flags]

commands:
  token   issue a signed access token from the configured JWT secret
  watch   stream notifications for the token's user`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "notifyctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	switch args[0] {
	case "token":
		return runToken(args[1:], out)
	case "watch":
		return runWatch(args[1:], out)
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

type permList []string

func (p *permList) String() string { return strings.Join(*p, ",") }

func (p *permList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func runToken(args []string, out io.Writer) error {
	flags := flag.NewFlagSet("token", flag.ContinueOnError)
	user := flags.String("user", "", "user id (subject)")
	ttl := flags.Duration("ttl", 0, "token lifetime (default from config)")
	var perms permList
	flags.Var(&perms, "perm", "permission to grant, repeatable")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("token: -user is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	jwtCfg := middleware.JWTConfig{
		SigningKey: []byte(cfg.Security.JWTSecret),
		Issuer:     cfg.Security.JWTIssuer,
		ExpiresIn:  cfg.Security.TokenTTL,
	}
	if *ttl > 0 {
		jwtCfg.ExpiresIn = *ttl
	}
	return writeToken(out, jwtCfg, *user, perms)
}

func writeToken(out io.Writer, cfg middleware.JWTConfig, user string, perms []string) error {
	token, expiresAt, err := middleware.GenerateToken(cfg, user, user, nil, perms)
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

func runWatch(args []string, out io.Writer) error {
	flags := flag.NewFlagSet("watch", flag.ContinueOnError)
	url := flags.String("url", "ws://localhost:8080/api/v1/ws", "stream endpoint")
	token := flags.String("token", os.Getenv("NOTIFIER_TOKEN"), "access token")
	maxVisible := flags.Int("max-visible", 5, "visible set size")
	ack := flags.String("ack", "", "acknowledge each notification with this action (read, clicked, dismissed)")
	maxAttempts := flags.Int("max-attempts", realtimeclient.DefaultPolicy.MaxAttempts, "consecutive reconnect attempts, 0 for unbounded")
	verbose := flags.Bool("v", false, "log client internals")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *token == "" {
		return errors.New("watch: -token or NOTIFIER_TOKEN is required")
	}
	switch *ack {
	case "", "read", "clicked", "dismissed":
	default:
		return fmt.Errorf("watch: unsupported ack action %q", *ack)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	if err := logger.Init(level, "console"); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	policy := realtimeclient.DefaultPolicy
	policy.MaxAttempts = *maxAttempts

	var client *realtimeclient.Client
	enc := json.NewEncoder(out)
	client = realtimeclient.New(realtimeclient.Config{
		URL:        *url,
		Token:      *token,
		MaxVisible: *maxVisible,
		Policy:     policy,
		Logger:     logger.Named("realtimeclient"),
	}, realtimeclient.Handlers{
		OnState: func(from, to realtimeclient.State) {
			logger.Info("Stream state", zap.Stringer("from", from), zap.Stringer("to", to))
			fmt.Fprintf(os.Stderr, "[%s -> %s]\n", from, to)
		},
		OnNotification: func(n realtimeclient.Notification, evicted *realtimeclient.Notification) {
			_ = enc.Encode(n)
			if evicted != nil {
				fmt.Fprintf(os.Stderr, "evicted %s\n", evicted.ID)
			}
			if *ack != "" {
				if err := client.Ack(n.ID, *ack); err != nil {
					fmt.Fprintf(os.Stderr, "ack %s: %v\n", n.ID, err)
				}
			}
		},
		OnError: func(f realtimeclient.Frame) {
			fmt.Fprintf(os.Stderr, "server error %s: %s\n", f.Code, f.Message)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
