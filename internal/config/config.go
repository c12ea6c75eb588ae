package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hylla/qdoc/internal/domain"
	toml "github.com/pelletier/go-toml/v2"
)

// Driver names one storage backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Config is the root TOML document.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Logging  LoggingConfig  `toml:"logging"`
	Risk     RiskConfig     `toml:"risk"`
	Server   ServerConfig   `toml:"server"`
	Identity IdentityConfig `toml:"identity"`
}

type DatabaseConfig struct {
	Driver   Driver `toml:"driver"`
	Path     string `toml:"path"`
	DSN      string `toml:"dsn"`
	MaxConns int32  `toml:"max_conns"`
}

// LoggingConfig controls runtime log sinks.
type LoggingConfig struct {
	Level   string        `toml:"level"`
	DevFile DevFileConfig `toml:"dev_file"`
}

// DevFileConfig enables the logfmt file sink in dev mode.
type DevFileConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type RiskConfig struct {
	WarningDays        int     `toml:"warning_days"`
	RequiredDays       int     `toml:"required_days"`
	MinConformityScore float64 `toml:"min_conformity_score"`
	MaxNonConformities int     `toml:"max_non_conformities"`
}

type ServerConfig struct {
	HTTPBind    string `toml:"http_bind"`
	APIEndpoint string `toml:"api_endpoint"`
	MCPEndpoint string `toml:"mcp_endpoint"`
}

// IdentityConfig names the actor recorded by CLI and server mutations.
type IdentityConfig struct {
	Actor string `toml:"actor"`
}

func Default(dbPath string) Config {
	risk := domain.DefaultRiskThresholds()
	return Config{
		Database: DatabaseConfig{
			Driver:   DriverSQLite,
			Path:     dbPath,
			MaxConns: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
			DevFile: DevFileConfig{
				Enabled: true,
				Dir:     ".qdoc/log",
			},
		},
		Risk: RiskConfig{
			WarningDays:        risk.WarningDays,
			RequiredDays:       risk.RequiredDays,
			MinConformityScore: risk.MinConformityScore,
			MaxNonConformities: risk.MaxNonConformities,
		},
		Server: ServerConfig{
			HTTPBind:    "127.0.0.1:8080",
			APIEndpoint: "/api/v1",
			MCPEndpoint: "/mcp",
		},
	}
}

func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}
	cfg.Database.Driver = Driver(strings.ToLower(strings.TrimSpace(string(cfg.Database.Driver))))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, "":
		if strings.TrimSpace(c.Database.Path) == "" {
			return errors.New("database path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid database.driver: %q", c.Database.Driver)
	}
	if c.Database.MaxConns < 0 {
		return errors.New("database.max_conns must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}

	if err := c.RiskThresholds().Validate(); err != nil {
		return fmt.Errorf("invalid risk section: %w", err)
	}

	for name, endpoint := range map[string]string{
		"server.api_endpoint": c.Server.APIEndpoint,
		"server.mcp_endpoint": c.Server.MCPEndpoint,
	} {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint != "" && !strings.HasPrefix(endpoint, "/") {
			return fmt.Errorf("%s must start with '/': %q", name, endpoint)
		}
	}
	return nil
}

// RiskThresholds converts the [risk] section as written. Absent keys keep the
// values seeded by Default, so explicit zeros reach the evaluator unchanged.
func (c Config) RiskThresholds() domain.RiskThresholds {
	return domain.RiskThresholds{
		WarningDays:        c.Risk.WarningDays,
		RequiredDays:       c.Risk.RequiredDays,
		MinConformityScore: c.Risk.MinConformityScore,
		MaxNonConformities: c.Risk.MaxNonConformities,
	}
}

// UpsertIdentityActor persists the default actor without disturbing other sections.
func UpsertIdentityActor(path, actor string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return errors.New("identity actor is required")
	}
	if strings.TrimSpace(path) == "" {
		return errors.New("config path is required")
	}

	doc := map[string]any{}
	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read config: %w", err)
	case len(content) > 0:
		if err := toml.Unmarshal(content, &doc); err != nil {
			return fmt.Errorf("decode toml: %w", err)
		}
	}

	identity, _ := doc["identity"].(map[string]any)
	if identity == nil {
		identity = map[string]any{}
	}
	identity["actor"] = actor
	doc["identity"] = identity

	encoded, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
