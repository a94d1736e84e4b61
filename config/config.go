package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m4xw311/canvasd/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".canvasd"

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type CreditsConfig struct {
	Cost         int64 `yaml:"cost"`
	InitialGrant int64 `yaml:"initial_grant"`
}

type AgentConfig struct {
	MaxIterations  int           `yaml:"max_iterations"`
	StepTimeout    time.Duration `yaml:"step_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Toolset        string        `yaml:"toolset"`
}

type PatchConfig struct {
	HighlightDuration time.Duration `yaml:"highlight_duration"`
}

type AdmissionConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
	Burst       int           `yaml:"burst"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Audience  string `yaml:"audience"`
}

type Config struct {
	LLMClient      string          `yaml:"llm"`
	Model          string          `yaml:"model"`
	Listen         string          `yaml:"listen"`
	Database       string          `yaml:"database"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	Log            LogConfig       `yaml:"log"`
	Credits        CreditsConfig   `yaml:"credits"`
	Agent          AgentConfig     `yaml:"agent"`
	Toolsets       []Toolset       `yaml:"toolsets"`
	Patch          PatchConfig     `yaml:"patch"`
	Admission      AdmissionConfig `yaml:"admission"`
	Auth           AuthConfig      `yaml:"auth"`
}

// Defaults returns the configuration used when no file sets a value.
func Defaults() *Config {
	return &Config{
		LLMClient: "gemini",
		Model:     "gemini-2.0-flash",
		Listen:    ":8080",
		Database:  filepath.Join(DirName, "canvasd.db"),
		Log:       LogConfig{Level: "info", Format: "text"},
		Credits:   CreditsConfig{Cost: 1},
		Agent: AgentConfig{
			MaxIterations:  10,
			StepTimeout:    60 * time.Second,
			RequestTimeout: 5 * time.Minute,
			Toolset:        "default",
		},
		Toolsets:  []Toolset{{Name: "default", Tools: []string{"*"}}},
		Patch:     PatchConfig{HighlightDuration: 5 * time.Second},
		Admission: AdmissionConfig{MinInterval: time.Second, Burst: 3},
		Auth:      AuthConfig{Audience: "authenticated"},
	}
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence. A non-empty explicit
// path is applied last and must exist.
func LoadConfig(explicit string) (*Config, error) {
	cfg := Defaults()

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, DirName, "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, DirName, "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	if explicit != "" {
		if err := loadFromFile(explicit, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading config %s", explicit)
		}
	}

	return cfg, cfg.Validate()
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in the file replace the current values; nested
	// structs merge field by field, lists are replaced wholesale.
	return yaml.Unmarshal(data, cfg)
}

// ApplyOverrides copies values set through environment variables
// (CANVASD_*) or bound command-line flags on top of the file layers.
func ApplyOverrides(cfg *Config, v *viper.Viper) error {
	if v == nil {
		return nil
	}
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setString("llm", &cfg.LLMClient)
	setString("model", &cfg.Model)
	setString("listen", &cfg.Listen)
	setString("database", &cfg.Database)
	setString("log.level", &cfg.Log.Level)
	setString("log.format", &cfg.Log.Format)
	setString("auth.jwt_secret", &cfg.Auth.JWTSecret)
	setString("auth.audience", &cfg.Auth.Audience)
	setString("agent.toolset", &cfg.Agent.Toolset)
	if v.IsSet("credits.cost") {
		cfg.Credits.Cost = v.GetInt64("credits.cost")
	}
	if v.IsSet("agent.max_iterations") {
		cfg.Agent.MaxIterations = v.GetInt("agent.max_iterations")
	}
	if v.IsSet("agent.step_timeout") {
		cfg.Agent.StepTimeout = v.GetDuration("agent.step_timeout")
	}
	if v.IsSet("agent.request_timeout") {
		cfg.Agent.RequestTimeout = v.GetDuration("agent.request_timeout")
	}
	if v.IsSet("admission.min_interval") {
		cfg.Admission.MinInterval = v.GetDuration("admission.min_interval")
	}
	if v.IsSet("admission.burst") {
		cfg.Admission.Burst = v.GetInt("admission.burst")
	}
	if v.IsSet("credits.initial_grant") {
		cfg.Credits.InitialGrant = v.GetInt64("credits.initial_grant")
	}
	if v.IsSet("patch.highlight_duration") {
		cfg.Patch.HighlightDuration = v.GetDuration("patch.highlight_duration")
	}
	if v.IsSet("allowed_origins") {
		cfg.AllowedOrigins = v.GetStringSlice("allowed_origins")
	}
	return cfg.Validate()
}

// NewViper returns a viper instance reading CANVASD_* environment
// variables, with dots in keys mapped to underscores.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CANVASD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func (c *Config) Validate() error {
	if c.Credits.Cost <= 0 {
		return errors.New("credits.cost must be positive, got %d", c.Credits.Cost)
	}
	if c.Agent.MaxIterations <= 0 {
		return errors.New("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Patch.HighlightDuration < 0 {
		return errors.New("patch.highlight_duration must not be negative")
	}
	if c.Admission.Burst < 0 {
		return errors.New("admission.burst must not be negative")
	}
	return nil
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts, nil
		}
	}
	if name == "default" {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	return c.GetToolset("default")
}
