package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// EnvKeys maps environment variables to configuration keys. Variables not
// listed here are ignored.
var EnvKeys = map[string]string{
	"RAG_STORAGE":           "storage.backend",
	"EMBED_DIM":             "storage.dimension",
	"RAG_RESET_ON_STARTUP":  "storage.reset_on_startup",
	"RAG_INDEX_DIR":         "storage.index_dir",
	"QDRANT_URL":            "storage.remote.url",
	"QDRANT_COLLECTION":     "storage.remote.collection",
	"QDRANT_DISTANCE":       "storage.remote.distance",
	"QDRANT_API_KEY":        "storage.remote.api_key",
	"QDRANT_TIMEOUT":        "storage.remote.timeout",
	"QDRANT_CLEAR_STRATEGY": "storage.remote.clear_strategy",
	"QDRANT_HOST":           "storage.qdrant.host",
	"QDRANT_GRPC_PORT":      "storage.qdrant.port",
	"CHROMEM_PATH":          "storage.chromem.path",
	"RAG_EMBED_PROVIDER":    "embeddings.provider",
	"RAG_EMBED_MODEL":       "embeddings.model",
	"RAG_EMBED_URL":         "embeddings.base_url",
	"RAG_EMBED_API_KEY":     "embeddings.api_key",
	"RAG_EMBED_CACHE_DIR":   "embeddings.cache_dir",
	"RAG_EMBED_RATE_LIMIT":  "embeddings.rate_limit",
	"RAG_EMBED_BATCH_SIZE":  "embeddings.batch_size",
	"RAG_LLM_PROVIDER":      "generation.provider",
	"RAG_LLM_MODEL":         "generation.model",
	"RAG_LLM_URL":           "generation.base_url",
	"RAG_LLM_API_KEY":       "generation.api_key",
	"RAG_LLM_MAX_TOKENS":    "generation.max_tokens",
	"RAG_MAX_WORDS":         "ingest.max_words",
	"RAG_BATCH_SIZE":        "ingest.batch_size",
	"RAG_EXTRACTOR":         "ingest.extractor",
	"RAG_UPLOAD_DIR":        "ingest.upload_dir",
	"RAG_HTTP_HOST":         "server.host",
	"RAG_HTTP_PORT":         "server.http_port",
	"RAG_LOG_LEVEL":         "logging.level",
	"RAG_LOG_FORMAT":        "logging.format",
	"OTEL_ENABLE":           "telemetry.enabled",
	"OTEL_ENDPOINT":         "telemetry.endpoint",
	"OTEL_SERVICE_NAME":     "telemetry.service_name",
	"OTEL_PROTOCOL":         "telemetry.protocol",
	"NATS_URL":              "events.nats_url",
	"RAG_REDACT":            "redaction.enabled",
	"RAG_REDACT_ALLOWLIST":  "redaction.allowlist",
	"RAG_WATCH_DEBOUNCE":    "watch.debounce",
}

// DefaultPath returns ~/.config/pdfrag/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "pdfrag", "config.yaml"), nil
}

// Load loads configuration from a YAML file, then overrides it with the
// environment variables listed in EnvKeys.
//
// An empty path uses DefaultPath and tolerates the file being absent. An
// explicit path must exist.
//
// Example:
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	content, err := readConfigFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey returns the koanf key for an environment variable, or "" to skip it.
func envKey(name string) string {
	return EnvKeys[name]
}

// readConfigFile reads path after checking permissions and size on the open
// descriptor.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %s: %w", path, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large (max %d bytes)", maxConfigFileSize)
	}
	return content, nil
}

// validateConfigFileProperties rejects directories, oversized files and
// files writable by group or others. API keys may live in the file.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", info.Name())
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group or world writable)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// LoadDotEnv loads variables from .env files into the process environment.
// Missing files are skipped and variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}
