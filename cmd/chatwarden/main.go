package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chatwarden/chatwarden/common/environment"
	"github.com/chatwarden/chatwarden/common/version"
	"github.com/chatwarden/chatwarden/internal/warden/app"
	"github.com/chatwarden/chatwarden/internal/warden/engine"
)

func main() {
	fmt.Printf("Chatwarden\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	warden, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := warden.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig builds the application configuration from environment variables.
func loadConfig(logger *slog.Logger) (app.Config, error) {
	adminAPIURL, err := environment.RequiredString("EJABBERD_API_URL")
	if err != nil {
		return app.Config{}, err
	}
	xmppDomain, err := environment.RequiredString("XMPP_DOMAIN")
	if err != nil {
		return app.Config{}, err
	}

	env := engine.Env(environment.StringOr("ENV", string(engine.EnvDev)))
	switch env {
	case engine.EnvDev, engine.EnvTest, engine.EnvProd:
	default:
		return app.Config{}, fmt.Errorf("ENV must be dev, test, or prod, got %q", env)
	}

	testPassword := environment.StringOr("DEFAULT_TEST_PASSWORD", "")
	if env != engine.EnvProd && testPassword == "" {
		return app.Config{}, fmt.Errorf("DEFAULT_TEST_PASSWORD is required when ENV=%s", env)
	}

	return app.Config{
		DataDir:             environment.StringOr("DATA_DIR", "./data"),
		AdminAPIURL:         adminAPIURL,
		XMPPDomain:          xmppDomain,
		MUCService:          environment.StringOr("MUC_SERVICE", ""),
		XMPPServerAddress:   environment.StringOr("XMPP_SERVER_ADDRESS", ""),
		AdminConsoleURL:     environment.StringOr("ADMIN_CONSOLE_URL", ""),
		MeetBaseURL:         environment.StringOr("MEET_BASE_URL", "https://meet."+xmppDomain),
		Env:                 env,
		DefaultTestPassword: testPassword,
		DefaultMUCOptions:   parseMUCOptions(environment.StringOr("MUC_DEFAULT_OPTIONS", "persistent=true")),
		HTTPAddr:            environment.StringOr("HTTP_ADDR", ""),
		SyncTimeout:         environment.DurationOr("SYNC_TIMEOUT", 2*time.Minute),
		InsecureXMPP:        environment.BoolOr("XMPP_INSECURE", false),
		Logger:              logger,
	}, nil
}

// parseMUCOptions parses "name=value,name=value" into an option map.
func parseMUCOptions(raw string) map[string]string {
	opts := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			continue
		}
		opts[name] = value
	}
	return opts
}

func logLevel() slog.Level {
	switch strings.ToLower(environment.StringOr("LOG_LEVEL", "info")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
