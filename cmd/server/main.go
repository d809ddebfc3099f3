// Package main is the entry point for the identity vault server.
//
// main stays minimal: read configuration from the environment, build the
// consent gateway, and hand everything to internal/server. All real logic
// lives in the imported packages.
package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sakif/identity-vault/internal/gateway"
	"github.com/sakif/identity-vault/internal/server"
	"github.com/sakif/identity-vault/internal/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	port := 8080
	if portStr := os.Getenv("PORT"); portStr != "" {
		var err error
		port, err = strconv.Atoi(portStr)
		if err != nil {
			logger.Error("invalid PORT value", slog.String("value", portStr))
			os.Exit(1)
		}
	}

	// DB_PATH=:memory: runs an ephemeral store that is never persisted.
	dbPath := "data/identities.db"
	if envDB := os.Getenv("DB_PATH"); envDB != "" {
		dbPath = envDB
	}
	if dbPath != store.Ephemeral {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			logger.Error("failed to create database directory",
				slog.String("dir", filepath.Dir(dbPath)),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	secretsPath := "data/secrets"
	if envSecrets := os.Getenv("SECRETS_PATH"); envSecrets != "" {
		secretsPath = envSecrets
	}

	// The passphrase protects the file secret backend, which in turn holds
	// the database encryption passphrase. Generate one with:
	//   VAULT_PASSPHRASE=$(openssl rand -hex 32)
	passphrase := os.Getenv("VAULT_PASSPHRASE")
	if passphrase == "" && dbPath != store.Ephemeral {
		logger.Error("VAULT_PASSPHRASE must be set for a persistent store")
		os.Exit(1)
	}

	cfg := server.Config{
		Port:           port,
		DBPath:         dbPath,
		SecretsPath:    secretsPath,
		Passphrase:     passphrase,
		AppName:        "identity-vault",
		Website:        "https://github.com/sakif/identity-vault",
		RedirectScheme: "identity-vault",
	}

	consent := gateway.NewTerminalConsent(os.Stdin, os.Stderr)

	srv, err := server.New(cfg, consent, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
