package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/coolkev/cicd/internal/githost"
)

// config is the process's environment-driven configuration (§6). Cobra/pflag
// only ever overlay the ambient knobs (metrics/probe addresses, leader
// election, log mode); the business configuration named by §6 always comes
// from the environment, following operator/cmd/main.go's own layering of
// flags over defaults.
type config struct {
	WebsocketURL      string
	ClientSecret      string
	DatabasePath      string
	TemplateNamespace string

	// GitHub App credentials. Not named by §6's env var table, but required
	// to construct the Source-Host Client's CredentialPool (§4.2); added as
	// a config-surface extension rather than invented out of nothing — see
	// DESIGN.md.
	GitHubAppID             int64
	GitHubAppPrivateKeyPath string
	GitHubAppInstallations  []githost.Installation

	// Discord sidecar vars are read but never acted on: the sidecar itself is
	// out of scope per spec.md's exclusions.
	DiscordBotToken   string
	DiscordChannelID  string
	QueryAPIListenAddr string
}

func loadConfig() (config, error) {
	cfg := config{
		WebsocketURL:       os.Getenv("WEBSOCKET_URL"),
		ClientSecret:       os.Getenv("CLIENT_SECRET"),
		DatabasePath:       envOr("DATABASE_PATH", "db.db"),
		TemplateNamespace:  os.Getenv("TEMPLATE_NAMESPACE"),
		GitHubAppPrivateKeyPath: os.Getenv("GITHUB_APP_PRIVATE_KEY_PATH"),
		DiscordBotToken:    os.Getenv("DISCORD_BOT_TOKEN"),
		DiscordChannelID:   os.Getenv("DISCORD_CHANNEL_ID"),
		QueryAPIListenAddr: envOr("QUERY_API_ADDR", ":8090"),
	}

	if cfg.WebsocketURL == "" {
		return cfg, fmt.Errorf("WEBSOCKET_URL is required")
	}
	if cfg.ClientSecret == "" {
		return cfg, fmt.Errorf("CLIENT_SECRET is required")
	}

	if raw := os.Getenv("GITHUB_APP_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("parsing GITHUB_APP_ID: %w", err)
		}
		cfg.GitHubAppID = id
	}

	installs, err := parseInstallations(os.Getenv("GITHUB_APP_INSTALLATIONS"))
	if err != nil {
		return cfg, err
	}
	cfg.GitHubAppInstallations = installs

	return cfg, nil
}

// parseInstallations parses "owner:installationID,owner2:installationID2"
// into the Installation list CredentialPool expects.
func parseInstallations(raw string) ([]githost.Installation, error) {
	if raw == "" {
		return nil, nil
	}
	var out []githost.Installation
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		owner, idStr, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("GITHUB_APP_INSTALLATIONS entry %q: want owner:installationID", pair)
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("GITHUB_APP_INSTALLATIONS entry %q: %w", pair, err)
		}
		out = append(out, githost.Installation{Owner: owner, InstallationID: id})
	}
	return out, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
