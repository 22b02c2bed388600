package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var errNotPositive = errors.New("must be > 0")

// valueForKey prefers the environment over the config file.
func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return runtimeFile.get(key)
}

func envOrDefault(key, fallback string) string {
	if value := valueForKey(key); value != "" {
		return value
	}
	return fallback
}

// lookup parses key with parse, returning fallback when the key is unset.
func lookup[T any](key string, fallback T, parse func(string) (T, error)) (T, error) {
	raw := valueForKey(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func positive[T int | float64 | time.Duration](v T, err error) (T, error) {
	if err == nil && v <= 0 {
		err = errNotPositive
	}
	return v, err
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	return lookup(key, fallback, func(raw string) (time.Duration, error) {
		return positive(time.ParseDuration(raw))
	})
}

func envInt(key string, fallback int) (int, error) {
	return lookup(key, fallback, func(raw string) (int, error) {
		return positive(strconv.Atoi(raw))
	})
}

func envFloat64(key string, fallback float64) (float64, error) {
	return lookup(key, fallback, func(raw string) (float64, error) {
		return positive(strconv.ParseFloat(raw, 64))
	})
}

func envUint64(key string, fallback uint64) (uint64, error) {
	return lookup(key, fallback, func(raw string) (uint64, error) {
		return strconv.ParseUint(raw, 10, 64)
	})
}

func envUint32(key string, fallback uint32) (uint32, error) {
	return lookup(key, fallback, func(raw string) (uint32, error) {
		v, err := strconv.ParseUint(raw, 10, 32)
		return uint32(v), err
	})
}

func envOptionalUint(key string) (*uint, error) {
	return lookup(key, (*uint)(nil), func(raw string) (*uint, error) {
		v, err := strconv.ParseUint(raw, 10, 64)
		out := uint(v)
		return &out, err
	})
}

func envBool(key string, fallback bool) (bool, error) {
	return lookup(key, fallback, strconv.ParseBool)
}

func envPubkey(key string, fallback solana.PublicKey) (solana.PublicKey, error) {
	return lookup(key, fallback, solana.PublicKeyFromBase58)
}

func envCommitment(key string, fallback rpc.CommitmentType) (rpc.CommitmentType, error) {
	return lookup(key, fallback, func(raw string) (rpc.CommitmentType, error) {
		switch commitment := rpc.CommitmentType(strings.ToLower(raw)); commitment {
		case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
			return commitment, nil
		default:
			return "", fmt.Errorf("%q (expected processed|confirmed|finalized)", raw)
		}
	})
}

// buildLogConfig reads <prefix>_LOG_* with LOG_* as the shared fallback.
func buildLogConfig(prefix string, serviceName string) LogConfig {
	setting := func(name, fallback string) string {
		return envOrDefault(prefix+"_LOG_"+name, envOrDefault("LOG_"+name, fallback))
	}
	return LogConfig{
		Level:    setting("LEVEL", "info"),
		Format:   setting("FORMAT", "text"),
		Output:   setting("OUTPUT", "console"),
		FilePath: setting("FILE", filepath.Join("logs", serviceName+".log")),
	}
}

func expandHomePath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/")), nil
}
