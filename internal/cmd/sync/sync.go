// Package sync parses sync command flags and composes the realtime backbone
// entrypoint.
package sync

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	server "github.com/driftwire/driftwire/internal/app"
	entrypoint "github.com/driftwire/driftwire/internal/platform/cmd"
	"github.com/driftwire/driftwire/internal/routing"
)

// Config holds sync command configuration.
type Config struct {
	HTTPAddr     string `env:"DRIFTWIRE_SYNC_HTTP_ADDR"     envDefault:":8080"`
	JWTSecret    string `env:"DRIFTWIRE_SYNC_JWT_SECRET"`
	StoragePath  string `env:"DRIFTWIRE_SYNC_STORAGE_PATH"  envDefault:"sync-journal.db"`
	TenantMap    string `env:"DRIFTWIRE_SYNC_TENANT_MAP"`
	BufferLen    int    `env:"DRIFTWIRE_SYNC_BUFFER_LEN"    envDefault:"1024"`
	CommitWindow int    `env:"DRIFTWIRE_SYNC_COMMIT_WINDOW" envDefault:"64"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "sync HTTP listen address")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "access token verification secret")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "commit journal SQLite path")
	fs.StringVar(&cfg.TenantMap, "tenant-map", cfg.TenantMap, "tenant resource ownership JSON file")
	fs.IntVar(&cfg.BufferLen, "buffer-len", cfg.BufferLen, "replay buffer length per stream key")
	fs.IntVar(&cfg.CommitWindow, "commit-window", cfg.CommitWindow, "rolling commit window per resource")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the sync app and starts the realtime backbone.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSync, func(context.Context) error {
		registry, err := loadRegistry(cfg.TenantMap)
		if err != nil {
			return fmt.Errorf("load tenant map: %w", err)
		}
		if err := server.Run(ctx, server.Config{
			HTTPAddr:         cfg.HTTPAddr,
			JWTSecret:        cfg.JWTSecret,
			StoragePath:      cfg.StoragePath,
			BufferLen:        cfg.BufferLen,
			CommitWindowSize: cfg.CommitWindow,
		}, registry); err != nil {
			return fmt.Errorf("serve sync: %w", err)
		}
		return nil
	})
}

// loadRegistry seeds the isolation registry from the provisioning
// collaborator's tenant map export: {"tenant-id": ["resource-id", ...]}.
// Without one the registry starts empty and every subscription is denied
// until the provisioner populates it.
func loadRegistry(path string) (*routing.Registry, error) {
	registry := routing.NewRegistry()
	if path == "" {
		return registry, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ownership map[string][]string
	if err := json.Unmarshal(raw, &ownership); err != nil {
		return nil, fmt.Errorf("decode tenant map: %w", err)
	}
	for tenantID, resourceIDs := range ownership {
		registry.Register(tenantID, resourceIDs...)
	}
	return registry, nil
}
