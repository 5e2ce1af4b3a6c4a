// Package main seeds delivery contacts and preferences for demo users and
// prints access tokens for the built-in roles.
//
// The schema is expected to be migrated first (cmd/migrate). Seeding is
// idempotent: existing rows are overwritten with the fixture values.
package main

import (
	"context"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"cardpilot.io/notifier/internal/api/middleware"
	"cardpilot.io/notifier/internal/config"
	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/infrastructure"
	"cardpilot.io/notifier/internal/pkg/logger"
	"cardpilot.io/notifier/internal/repository"
	"cardpilot.io/notifier/internal/repository/postgres"
)

//go:embed fixtures.yaml
var defaultFixtures []byte

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "seed error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	flags := flag.NewFlagSet("seed", flag.ContinueOnError)
	file := flags.String("f", "", "fixture file (default: built-in demo users)")
	tokens := flags.Bool("tokens", false, "print an access token per built-in role")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	raw := defaultFixtures
	if *file != "" {
		if raw, err = os.ReadFile(*file); err != nil {
			return fmt.Errorf("read fixtures: %w", err)
		}
	}
	users, err := parseFixtures(raw)
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	logger.Info("Starting data seeding...", zap.Int("users", len(users)))
	if err := seedUsers(ctx, postgres.New(db.Pool), users, time.Now().UTC()); err != nil {
		return err
	}
	logger.Info("Data seeding completed successfully")

	if *tokens {
		return printRoleTokens(out, middleware.JWTConfig{
			SigningKey: []byte(cfg.Security.JWTSecret),
			Issuer:     cfg.Security.JWTIssuer,
			ExpiresIn:  cfg.Security.TokenTTL,
		})
	}
	return nil
}

// builtInRole names a permission set handed to operators and producers.
type builtInRole struct {
	Name        string
	Subject     string
	Description string
	Permissions []string
}

func builtInRoles() []builtInRole {
	return []builtInRole{
		{
			Name: "platform-admin", Subject: "ops-admin",
			Description: "Full access including session administration",
			Permissions: []string{middleware.PermPlatformAdmin},
		},
		{
			Name: "producer", Subject: "svc-insights",
			Description: "Backend service that submits notifications",
			Permissions: []string{middleware.PermNotificationsWrite},
		},
		{
			Name: "analyst", Subject: "analytics",
			Description: "Reads engagement metrics for any user",
			Permissions: []string{middleware.PermMetricsRead},
		},
		{
			Name: "user", Subject: "user-demo-1",
			Description: "End user; inbox, preferences and stream only",
			Permissions: nil,
		},
	}
}

func printRoleTokens(out io.Writer, cfg middleware.JWTConfig) error {
	for _, r := range builtInRoles() {
		token, _, err := middleware.GenerateToken(cfg, r.Subject, r.Subject, []string{r.Name}, r.Permissions)
		if err != nil {
			return fmt.Errorf("token for %s: %w", r.Name, err)
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", r.Name, r.Subject, token)
	}
	return nil
}

type fixtureFile struct {
	Users []fixtureUser `yaml:"users"`
}

type fixtureUser struct {
	ID           string                       `yaml:"id"`
	Email        string                       `yaml:"email"`
	Phone        string                       `yaml:"phone"`
	WebhookURL   string                       `yaml:"webhook_url"`
	DeviceTokens []string                     `yaml:"device_tokens"`
	MinPriority  string                       `yaml:"min_priority"`
	Timezone     string                       `yaml:"timezone"`
	MaxVisible   int                          `yaml:"max_visible"`
	QuietHours   *domain.QuietHours           `yaml:"quiet_hours"`
	Disabled     []domain.Category            `yaml:"disabled_categories"`
	Channels     map[domain.Category][]string `yaml:"category_channels"`
}

type seedUser struct {
	Contacts    *domain.Contacts
	Preferences *domain.Preferences
}

// parseFixtures decodes and validates the fixture file. Unset preference
// fields keep their defaults.
func parseFixtures(raw []byte) ([]seedUser, error) {
	var f fixtureFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}

	seen := make(map[string]bool, len(f.Users))
	out := make([]seedUser, 0, len(f.Users))
	for _, u := range f.Users {
		if u.ID == "" {
			return nil, errors.New("fixture user without id")
		}
		if seen[u.ID] {
			return nil, fmt.Errorf("duplicate fixture user %s", u.ID)
		}
		seen[u.ID] = true

		contacts := &domain.Contacts{
			UserID:       u.ID,
			Email:        u.Email,
			Phone:        u.Phone,
			WebhookURL:   u.WebhookURL,
			DeviceTokens: u.DeviceTokens,
		}
		if err := contacts.Validate(); err != nil {
			return nil, fmt.Errorf("user %s contacts: %w", u.ID, err)
		}

		prefs := domain.DefaultPreferences(u.ID)
		if u.MinPriority != "" {
			p, err := domain.ParsePriority(u.MinPriority)
			if err != nil {
				return nil, fmt.Errorf("user %s: %w", u.ID, err)
			}
			prefs.MinPriority = p
		}
		if u.Timezone != "" {
			prefs.Timezone = u.Timezone
		}
		if u.MaxVisible > 0 {
			prefs.MaxVisible = u.MaxVisible
		}
		prefs.QuietHours = u.QuietHours
		if len(u.Disabled) > 0 || len(u.Channels) > 0 {
			prefs.Categories = make(map[domain.Category]domain.CategoryPreference)
		}
		for _, cat := range u.Disabled {
			prefs.Categories[cat] = domain.CategoryPreference{Enabled: false}
		}
		for cat, chans := range u.Channels {
			cp := domain.CategoryPreference{Enabled: true}
			for _, ch := range chans {
				cp.Channels = append(cp.Channels, domain.Channel(ch))
			}
			prefs.Categories[cat] = cp
		}
		if err := prefs.Validate(); err != nil {
			return nil, fmt.Errorf("user %s preferences: %w", u.ID, err)
		}
		out = append(out, seedUser{Contacts: contacts, Preferences: prefs})
	}
	return out, nil
}

type userStore interface {
	repository.PreferenceStore
	repository.ContactStore
}

func seedUsers(ctx context.Context, store userStore, users []seedUser, now time.Time) error {
	for _, u := range users {
		u.Contacts.UpdatedAt = now
		u.Preferences.UpdatedAt = now
		if err := store.PutContacts(ctx, u.Contacts); err != nil {
			return fmt.Errorf("seed contacts for %s: %w", u.Contacts.UserID, err)
		}
		if err := store.PutPreferences(ctx, u.Preferences); err != nil {
			return fmt.Errorf("seed preferences for %s: %w", u.Preferences.UserID, err)
		}
		logger.Info("Seeded user", zap.String("user_id", u.Contacts.UserID))
	}
	return nil
}
