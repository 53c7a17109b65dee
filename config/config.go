package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the stepwise executor
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	Heuristics HeuristicsConfig `mapstructure:"heuristics"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	Retention  RetentionConfig  `mapstructure:"retention"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// RunnerConfig bounds the step loop
type RunnerConfig struct {
	MaxSteps         int    `mapstructure:"max_steps"`
	Lifelines        int    `mapstructure:"lifelines"`
	PlanRetries      int    `mapstructure:"plan_retries"`
	MaxSessionMemory int    `mapstructure:"max_session_memory"`
	Strategy         string `mapstructure:"strategy"` // empty: first perception fixes the mode
}

// Normalize applies defaults for unset runner values.
func (r RunnerConfig) Normalize() RunnerConfig {
	if r.MaxSteps <= 0 {
		r.MaxSteps = 10
	}
	if r.Lifelines <= 0 {
		r.Lifelines = 2
	}
	if r.PlanRetries <= 0 {
		r.PlanRetries = 2
	}
	if r.MaxSessionMemory <= 0 {
		r.MaxSessionMemory = 50
	}
	return r
}

// HeuristicsConfig groups every validation rule knob.
type HeuristicsConfig struct {
	Input    InputRulesConfig    `mapstructure:"input"`
	Network  NetworkRulesConfig  `mapstructure:"network"`
	Files    FileRulesConfig     `mapstructure:"files"`
	Commands CommandRulesConfig  `mapstructure:"commands"`
	Plan     PlanRulesConfig     `mapstructure:"plan"`
	JSON     JSONRulesConfig     `mapstructure:"json"`
	Limits   ResourceRulesConfig `mapstructure:"limits"`
}

// InputRulesConfig bounds free-text inputs. AllowNonASCII defaults to
// true; setting it to false rejects any non-ASCII byte, same as
// StrictASCII.
type InputRulesConfig struct {
	MaxLength     int   `mapstructure:"max_length"`
	AllowNonASCII *bool `mapstructure:"allow_non_ascii"`
	StrictASCII   bool  `mapstructure:"strict_ascii"`
}

// NetworkRulesConfig bounds outbound tool traffic.
type NetworkRulesConfig struct {
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	MaxURLCallsPerDomain int           `mapstructure:"max_url_calls_per_domain"`
	URLCallWindow        time.Duration `mapstructure:"url_call_window"`
}

// FileRulesConfig bounds file-touching tool calls.
type FileRulesConfig struct {
	MaxFilesPerCall int      `mapstructure:"max_files_per_call"`
	BlockedPaths    []string `mapstructure:"blocked_paths"`
}

// CommandRulesConfig carries the shell-command deny list.
type CommandRulesConfig struct {
	BlockedCommands []string `mapstructure:"blocked_commands"`
}

// PlanRulesConfig bounds plan documents.
type PlanRulesConfig struct {
	MaxLength    int `mapstructure:"max_length"`
	MaxToolCalls int `mapstructure:"max_tool_calls"`
}

// JSONRulesConfig bounds structured payloads.
type JSONRulesConfig struct {
	MaxDepth int `mapstructure:"max_depth"`
}

// ResourceRulesConfig bounds recursion and memory estimates.
type ResourceRulesConfig struct {
	MaxRecursionDepth int `mapstructure:"max_recursion_depth"`
	MaxMemoryMB       int `mapstructure:"max_memory_mb"`
}

// Normalize applies the documented rule defaults for unset values.
func (h HeuristicsConfig) Normalize() HeuristicsConfig {
	if h.Input.MaxLength <= 0 {
		h.Input.MaxLength = 50000
	}
	if h.Input.AllowNonASCII == nil {
		allowed := true
		h.Input.AllowNonASCII = &allowed
	}
	if h.Network.RequestTimeout <= 0 {
		h.Network.RequestTimeout = 10 * time.Second
	}
	if h.Network.MaxURLCallsPerDomain <= 0 {
		h.Network.MaxURLCallsPerDomain = 5
	}
	if h.Network.URLCallWindow <= 0 {
		h.Network.URLCallWindow = time.Minute
	}
	if h.Files.MaxFilesPerCall <= 0 {
		h.Files.MaxFilesPerCall = 3
	}
	if len(h.Files.BlockedPaths) == 0 {
		h.Files.BlockedPaths = []string{
			"/etc/", "/sys/", "/proc/", "/dev/", "/boot/", "/var/", "/usr/bin/",
			`C:\Windows\`, `C:\Program Files\`,
		}
	}
	if len(h.Commands.BlockedCommands) == 0 {
		h.Commands.BlockedCommands = []string{
			"rm -rf /",
			"rm -rf /*",
			":(){ :|:& };:",
			"> /dev/sda",
			"dd if=/dev/zero of=/dev/",
			"chmod -r 777",
			"chown -r",
			"mkfs",
		}
	}
	if h.Plan.MaxLength <= 0 {
		h.Plan.MaxLength = 10000
	}
	if h.Plan.MaxToolCalls <= 0 {
		h.Plan.MaxToolCalls = 5
	}
	if h.JSON.MaxDepth <= 0 {
		h.JSON.MaxDepth = 10
	}
	if h.Limits.MaxRecursionDepth <= 0 {
		h.Limits.MaxRecursionDepth = 10
	}
	if h.Limits.MaxMemoryMB <= 0 {
		h.Limits.MaxMemoryMB = 100
	}
	return h
}

// Validate checks heuristics knobs that cannot be defaulted away.
func (h HeuristicsConfig) Validate() error {
	if h.Plan.MaxToolCalls > 50 {
		return fmt.Errorf("heuristics.plan.max_tool_calls unreasonably large: %d", h.Plan.MaxToolCalls)
	}
	if h.Input.MaxLength < 1000 {
		return fmt.Errorf("heuristics.input.max_length must be >= 1000")
	}
	return nil
}

// LLMConfig contains oracle provider configurations
type LLMConfig struct {
	Provider        string        `mapstructure:"provider"` // openai, fake
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Model           string        `mapstructure:"model"`
	MaxRetries      int           `mapstructure:"max_retries"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CostPer1KInput  float64       `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64       `mapstructure:"cost_per_1k_output"`
}

// Normalize applies defaults for unset LLM values.
func (l LLMConfig) Normalize() LLMConfig {
	if strings.TrimSpace(l.Provider) == "" {
		l.Provider = "openai"
	}
	if strings.TrimSpace(l.BaseURL) == "" {
		l.BaseURL = "https://api.openai.com/v1"
	}
	if strings.TrimSpace(l.Model) == "" {
		l.Model = "gpt-4o-mini"
	}
	if l.Timeout <= 0 {
		l.Timeout = 60 * time.Second
	}
	if l.MaxRetries <= 0 {
		l.MaxRetries = 2
	}
	return l
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	LogFile      string `mapstructure:"log_file"`
	CostTracking bool   `mapstructure:"cost_tracking"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Memory   MemoryStoreConfig `mapstructure:"memory"`
	Redis    RedisConfig       `mapstructure:"redis"`
	Postgres PostgresConfig    `mapstructure:"postgres"`
}

// MemoryStoreConfig selects the step-record store backend.
type MemoryStoreConfig struct {
	Backend string        `mapstructure:"backend"` // inmemory, redis
	TTL     time.Duration `mapstructure:"ttl"`
}

// Normalize applies defaults for unset memory-store values.
func (m MemoryStoreConfig) Normalize() MemoryStoreConfig {
	if strings.TrimSpace(m.Backend) == "" {
		m.Backend = "inmemory"
	}
	if m.TTL <= 0 {
		m.TTL = 7 * 24 * time.Hour
	}
	return m
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr renders host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN renders a lib/pq connection string when url is not given directly.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, ssl)
}

// ToolsConfig contains tool backend configurations
type ToolsConfig struct {
	WebSearch WebSearchConfig `mapstructure:"web_search"`
	WebFetch  WebFetchConfig  `mapstructure:"web_fetch"`
	Corpus    CorpusConfig    `mapstructure:"corpus"`
}

// WebSearchConfig contains web search settings
type WebSearchConfig struct {
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// WebFetchConfig contains headless fetch settings
type WebFetchConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxBodyLen int           `mapstructure:"max_body_len"`
}

// CorpusConfig contains in-memory corpus settings
type CorpusConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	MaxResults int  `mapstructure:"max_results"`
}

// RetentionConfig controls pruning of finished run records.
type RetentionConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CronSpec string `mapstructure:"cron_spec"`
	MaxAge   string `mapstructure:"max_age"`
}

// Normalize applies defaults for unset retention values.
func (r RetentionConfig) Normalize() RetentionConfig {
	if strings.TrimSpace(r.CronSpec) == "" {
		r.CronSpec = "0 3 * * *"
	}
	if strings.TrimSpace(r.MaxAge) == "" {
		r.MaxAge = "720h"
	}
	return r
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":10001")
	viper.SetDefault("storage.memory.backend", "inmemory")
	viper.SetDefault("tools.web_search.max_results", 10)
	viper.SetDefault("tools.web_fetch.enabled", false)
	viper.SetDefault("tools.corpus.enabled", true)
	viper.SetDefault("tools.corpus.max_results", 10)
	viper.SetDefault("retention.enabled", false)

	if path == "" {
		viper.AddConfigPath("./app/config") // path to look for the config file in
		viper.AddConfigPath("./config")     // path to look for the config file in
		viper.AddConfigPath(".")            // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)                                // bin/
		viper.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("STEPWISE")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (STEPWISE_*)

	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	// unmarshal config
	var config Config

	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Runner = config.Runner.Normalize()
	config.Heuristics = config.Heuristics.Normalize()
	config.LLM = config.LLM.Normalize()
	config.Storage.Memory = config.Storage.Memory.Normalize()
	config.Retention = config.Retention.Normalize()

	if err := config.Heuristics.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	if config.Storage.Memory.Backend == "redis" {
		if err := config.Storage.Redis.Validate(); err != nil {
			panic(err)
		}
	}
	return &config
}
