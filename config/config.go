package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	BadgerValuesDirName = "values"

	PluginSetDefault = "default"
	PluginSetMinimal = "minimal"

	IntercomModeLocal     = "local"
	IntercomModeWebSocket = "websocket"

	LogFormatJSON = "json"
	LogFormatText = "text"
)

type DataStorage struct {
	Directory string        `yaml:"directory" toml:"directory"`
	CacheTTL  time.Duration `yaml:"cacheTTL" toml:"cacheTTL"`
}

type Logging struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Plugins selects which of the built in plugins get registered and names the
// plugin lists a scheduling run can ask for.
type Plugins struct {
	Enabled []string            `yaml:"enabled,omitempty" toml:"enabled,omitempty"` // empty = all built ins
	Default []string            `yaml:"default" toml:"default"`
	Minimal []string            `yaml:"minimal" toml:"minimal"`
	Custom  map[string][]string `yaml:"custom,omitempty" toml:"custom,omitempty"`
}

type Scheduler struct {
	PluginSet     string        `yaml:"pluginSet" toml:"pluginSet"`
	TaskTimeout   time.Duration `yaml:"taskTimeout" toml:"taskTimeout"`
	MaxInFlight   int           `yaml:"maxInFlight" toml:"maxInFlight"`
	MaxRedispatch int           `yaml:"maxRedispatch" toml:"maxRedispatch"`
	PollDelay     time.Duration `yaml:"pollDelay" toml:"pollDelay"`
	MaxDepth      int           `yaml:"maxDepth" toml:"maxDepth"` // 0 = unbounded
}

type WebSocket struct {
	ReadBufferSize  int   `yaml:"readBufferSize" toml:"readBufferSize"`
	WriteBufferSize int   `yaml:"writeBufferSize" toml:"writeBufferSize"`
	MaxMessageSize  int64 `yaml:"maxMessageSize" toml:"maxMessageSize"`
	MaxConnections  int   `yaml:"maxConnections" toml:"maxConnections"`
}

type Intercom struct {
	Mode         string    `yaml:"mode" toml:"mode"`
	LocalWorkers int       `yaml:"localWorkers" toml:"localWorkers"`
	BufferSize   int       `yaml:"bufferSize" toml:"bufferSize"`
	WebSocket    WebSocket `yaml:"websocket" toml:"websocket"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit" toml:"limit"` // Requests per second
	Burst int     `yaml:"burst" toml:"burst"` // Burst size
}

type HTTP struct {
	Binding   string            `yaml:"binding" toml:"binding"`
	RateLimit RateLimiterConfig `yaml:"rateLimit" toml:"rateLimit"`
	// Applied to firmware uploads; zero means rateLimit.
	UploadRateLimit RateLimiterConfig `yaml:"uploadRateLimit,omitempty" toml:"uploadRateLimit,omitempty"`
	MaxUploadSize   int64             `yaml:"maxUploadSize" toml:"maxUploadSize"`
	// X-Forwarded-For is only honoured for requests from these addresses.
	TrustedProxies []string `yaml:"trustedProxies,omitempty" toml:"trustedProxies,omitempty"`
}

type Config struct {
	DataStorage DataStorage `yaml:"dataStorage" toml:"dataStorage"`
	Logging     Logging     `yaml:"logging" toml:"logging"`
	Plugins     Plugins     `yaml:"plugins" toml:"plugins"`
	Scheduler   Scheduler   `yaml:"scheduler" toml:"scheduler"`
	Intercom    Intercom    `yaml:"intercom" toml:"intercom"`
	HTTP        HTTP        `yaml:"http" toml:"http"`
}

var (
	ErrConfigFileMissing          = errors.New("config file is missing")
	ErrConfigFileUnreadable       = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable   = errors.New("config file is unmarshallable")
	ErrDataDirectoryMissing       = errors.New("dataStorage.directory is missing in config")
	ErrDefaultPluginsMissing      = errors.New("plugins.default is missing in config")
	ErrMinimalPluginsMissing      = errors.New("plugins.minimal is missing in config")
	ErrUnknownPluginSet           = errors.New("scheduler.pluginSet names an unknown plugin set")
	ErrTaskTimeoutMissing         = errors.New("scheduler.taskTimeout is missing or invalid in config")
	ErrMaxInFlightMissing         = errors.New("scheduler.maxInFlight is missing or invalid in config")
	ErrMaxRedispatchInvalid       = errors.New("scheduler.maxRedispatch must not be negative")
	ErrIntercomModeInvalid        = errors.New("intercom.mode must be local or websocket")
	ErrLocalWorkersMissing        = errors.New("intercom.localWorkers must be positive in local mode")
	ErrWebSocketBuffersMissing    = errors.New("intercom.websocket buffer sizes are missing or invalid in config")
	ErrHTTPBindingMissing         = errors.New("http.binding is missing in config")
	ErrRateLimitMissing           = errors.New("http.rateLimit.limit is missing in config")
	ErrLogFormatInvalid           = errors.New("logging.format must be json or text")
	ErrReservedCustomPluginSetKey = errors.New("plugins.custom may not redefine default or minimal")
)

// LoadConfig reads a YAML file, or a TOML file when the extension is .toml.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrConfigFileMissing
		}
		return nil, ErrConfigFileUnreadable
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(configFile), ".toml") {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnmarshallable, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Fill optional values that have an obvious default.
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = LogFormatJSON
	}
	if c.Scheduler.PluginSet == "" {
		c.Scheduler.PluginSet = PluginSetDefault
	}
	if c.Scheduler.PollDelay == 0 {
		c.Scheduler.PollDelay = 100 * time.Millisecond
	}
	if c.Intercom.Mode == "" {
		c.Intercom.Mode = IntercomModeLocal
	}
	if c.Intercom.BufferSize <= 0 {
		c.Intercom.BufferSize = 1024
	}
	if c.HTTP.MaxUploadSize <= 0 {
		c.HTTP.MaxUploadSize = 256 << 20
	}
	if c.HTTP.UploadRateLimit.Limit == 0 {
		c.HTTP.UploadRateLimit = c.HTTP.RateLimit
	}
}

func (c *Config) Validate() error {
	if c.DataStorage.Directory == "" {
		return ErrDataDirectoryMissing
	}
	if len(c.Plugins.Default) == 0 {
		return ErrDefaultPluginsMissing
	}
	if len(c.Plugins.Minimal) == 0 {
		return ErrMinimalPluginsMissing
	}
	for name := range c.Plugins.Custom {
		if name == PluginSetDefault || name == PluginSetMinimal {
			return ErrReservedCustomPluginSetKey
		}
	}
	if _, ok := c.PluginSet(c.Scheduler.PluginSet); !ok {
		return ErrUnknownPluginSet
	}
	if c.Scheduler.TaskTimeout <= 0 {
		return ErrTaskTimeoutMissing
	}
	if c.Scheduler.MaxInFlight <= 0 {
		return ErrMaxInFlightMissing
	}
	if c.Scheduler.MaxRedispatch < 0 {
		return ErrMaxRedispatchInvalid
	}
	switch c.Intercom.Mode {
	case IntercomModeLocal:
		if c.Intercom.LocalWorkers <= 0 {
			return ErrLocalWorkersMissing
		}
	case IntercomModeWebSocket:
		if c.Intercom.WebSocket.ReadBufferSize <= 0 || c.Intercom.WebSocket.WriteBufferSize <= 0 {
			return ErrWebSocketBuffersMissing
		}
	default:
		return ErrIntercomModeInvalid
	}
	if !slices.Contains([]string{LogFormatJSON, LogFormatText}, c.Logging.Format) {
		return ErrLogFormatInvalid
	}
	if c.HTTP.Binding == "" {
		return ErrHTTPBindingMissing
	}
	if c.HTTP.RateLimit.Limit == 0 {
		return ErrRateLimitMissing
	}
	return nil
}

// PluginSet returns the named plugin list.
func (c *Config) PluginSet(name string) ([]string, bool) {
	switch name {
	case PluginSetDefault:
		return c.Plugins.Default, true
	case PluginSetMinimal:
		return c.Plugins.Minimal, true
	}
	set, ok := c.Plugins.Custom[name]
	return set, ok
}

// ValuesDir is where badger keeps its files.
func (c *Config) ValuesDir() string {
	return filepath.Join(c.DataStorage.Directory, BadgerValuesDirName)
}

func GenerateConfig() *Config {
	return &Config{
		DataStorage: DataStorage{
			Directory: "data/fact",
			CacheTTL:  time.Minute,
		},
		Logging: Logging{
			Level:  "info",
			Format: LogFormatJSON,
		},
		Plugins: Plugins{
			Default: []string{"file_type", "file_hashes", "printable_strings", "crypto_material", "elf_analysis"},
			Minimal: []string{"file_type"},
			Custom: map[string][]string{
				"hashes_only": {"file_hashes"},
			},
		},
		Scheduler: Scheduler{
			PluginSet:     PluginSetDefault,
			TaskTimeout:   5 * time.Minute,
			MaxInFlight:   64,
			MaxRedispatch: 2,
			PollDelay:     100 * time.Millisecond,
		},
		Intercom: Intercom{
			Mode:         IntercomModeLocal,
			LocalWorkers: 4,
			BufferSize:   1024,
			WebSocket: WebSocket{
				ReadBufferSize:  4096,
				WriteBufferSize: 4096,
				MaxMessageSize:  64 << 20,
				MaxConnections:  32,
			},
		},
		HTTP: HTTP{
			Binding:       "127.0.0.1:5000",
			RateLimit:       RateLimiterConfig{Limit: 50.0, Burst: 100},
			UploadRateLimit: RateLimiterConfig{Limit: 1.0, Burst: 5},
			MaxUploadSize:   256 << 20,
		},
	}
}

// WriteConfig marshals cfg as YAML (or TOML for a .toml path) to path.
func WriteConfig(cfg *Config, path string) error {
	var data []byte
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		var sb strings.Builder
		if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		data = []byte(sb.String())
	} else {
		var err error
		data, err = yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for config file %s: %w", path, err)
		}
	}
	return os.WriteFile(path, data, 0644)
}
