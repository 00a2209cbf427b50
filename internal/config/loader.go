package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix      = "FLAGBOARD_"
	envConfigPath  = "FLAGBOARD_CONFIG"
	envDotenvPath  = "FLAGBOARD_ENV_FILE"
	defaultEnvFile = ".env"
)

// Load builds a Config by layering defaults, optional files, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if FLAGBOARD_CONFIG is set
//  3. .env file (FLAGBOARD_ENV_FILE, default ./.env) when present
//  4. process env (prefix FLAGBOARD_)
func Load(_ context.Context) (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv(envConfigPath); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// godotenv never overrides variables already present in the process
	// environment, which gives the .env layer its place below real env.
	if err := loadDotenv(); err != nil {
		return nil, err
	}

	// FLAGBOARD_QUEUE_SIZE -> queue_size, FLAGBOARD_TIERS=a,b -> []string{a, b}.
	envProvider := env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, interface{}) {
		key = strings.TrimPrefix(strings.ToLower(key), strings.ToLower(envPrefix))
		if key == "config" || key == "env_file" {
			return "", nil
		}
		switch key {
		case "tiers":
			return key, splitList(value)
		case "metrics_buckets_ms":
			return key, splitFloats(value)
		}
		return key, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	cfg.Tiers = normalizeTiers(cfg.Tiers)
	cfg.DefaultTier = strings.ToLower(strings.TrimSpace(cfg.DefaultTier))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.SocketURL = strings.TrimRight(cfg.SocketURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotenv() error {
	path := os.Getenv(envDotenvPath)
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrEnvFile, path, err)
}

// splitFloats parses a comma-separated number list. Unparsable items are
// passed through as strings so unmarshalling reports them.
func splitFloats(v string) []any {
	var out []any
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if f, err := strconv.ParseFloat(p, 64); err == nil {
			out = append(out, f)
		} else {
			out = append(out, p)
		}
	}
	return out
}

func splitList(v string) []string {
	return normalizeTiers(strings.Split(v, ","))
}

// normalizeTiers trims, lowercases and drops empty or repeated tier names.
func normalizeTiers(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
