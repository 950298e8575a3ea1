package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kuitang/gatehouse/internal/client"
)

const envPrefix = "GATEHOUSE_"

// cliConfig is read from config.yaml, then GATEHOUSE_* variables, then flags.
type cliConfig struct {
	Server         string        `koanf:"server"`
	SessionFile    string        `koanf:"session_file"`
	DeviceName     string        `koanf:"device_name"`
	EntitlementTTL time.Duration `koanf:"entitlement_ttl"`
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "gatehouse")
	}
	return filepath.Join(dir, "gatehouse")
}

// defaultConfigPath returns $GATEHOUSE_CONFIG or config.yaml in the config
// directory.
func defaultConfigPath() string {
	if p := os.Getenv(envPrefix + "CONFIG"); p != "" {
		return p
	}
	return filepath.Join(configDir(), "config.yaml")
}

// loadConfig layers path (when it exists) and the environment over the
// defaults. A missing file is not an error.
func loadConfig(path string) (*cliConfig, error) {
	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			if key == "config" || value == "" {
				return "", nil
			}
			return key, value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	hostname, _ := os.Hostname()
	cfg := &cliConfig{
		Server:         "http://localhost:8080",
		SessionFile:    client.DefaultSessionPath(),
		DeviceName:     hostname,
		EntitlementTTL: client.DefaultEntitlementTTL,
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Server = strings.TrimRight(cfg.Server, "/")
	if cfg.Server == "" {
		return nil, errors.New("server URL is empty")
	}
	return cfg, nil
}

// deviceFingerprint returns this installation's stable fingerprint, creating
// it under dir on first use.
func deviceFingerprint(dir string) (string, error) {
	path := filepath.Join(dir, "fingerprint")
	data, err := os.ReadFile(path)
	if err == nil {
		if fp := strings.TrimSpace(string(data)); fp != "" {
			return fp, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read fingerprint: %w", err)
	}

	fp := uuid.NewString()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(fp+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write fingerprint: %w", err)
	}
	return fp, nil
}
