// Package settings loads chatproxy configuration from flags, environment
// variables, an optional .env file and an optional YAML config file.
package settings

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

type Settings struct {
	APIKey          string  `mapstructure:"api-key" yaml:"api-key"`
	APIBaseURL      string  `mapstructure:"api-base-url" yaml:"api-base-url"`
	Model           string  `mapstructure:"model" yaml:"model"`
	Temperature     float64 `mapstructure:"temperature" yaml:"temperature"`
	TopP            float64 `mapstructure:"top-p" yaml:"top-p"`
	PresencePenalty float64 `mapstructure:"presence-penalty" yaml:"presence-penalty"`

	MaxModelTokens    int `mapstructure:"max-model-tokens" yaml:"max-model-tokens"`
	MaxResponseTokens int `mapstructure:"max-response-tokens" yaml:"max-response-tokens"`
	TimeoutMs         int `mapstructure:"timeout-ms" yaml:"timeout-ms"`

	HTTPSProxy string `mapstructure:"https-proxy" yaml:"https-proxy"`
	SOCKSProxy string `mapstructure:"socks-proxy" yaml:"socks-proxy"`
	Debug      bool   `mapstructure:"debug" yaml:"debug"`

	SystemMessage string `mapstructure:"system-message" yaml:"system-message"`
	Tokenizer     string `mapstructure:"tokenizer" yaml:"tokenizer"`

	Addr       string `mapstructure:"addr" yaml:"addr"`
	Port       int    `mapstructure:"port" yaml:"port"`
	PublicDir  string `mapstructure:"public-dir" yaml:"public-dir"`
	BasicAuth  bool   `mapstructure:"basic-auth" yaml:"basic-auth"`
	PasswdFile string `mapstructure:"passwd-file" yaml:"passwd-file"`

	Store      string        `mapstructure:"store" yaml:"store"`
	StoreSize  int           `mapstructure:"store-size" yaml:"store-size"`
	SQLitePath string        `mapstructure:"sqlite-path" yaml:"sqlite-path"`
	RedisAddr  string        `mapstructure:"redis-addr" yaml:"redis-addr"`
	RedisTTL   time.Duration `mapstructure:"redis-ttl" yaml:"redis-ttl"`

	Events          string `mapstructure:"events" yaml:"events"`
	EventsRedisAddr string `mapstructure:"events-redis-addr" yaml:"events-redis-addr"`

	CancelOnDisconnect bool `mapstructure:"cancel-on-disconnect" yaml:"cancel-on-disconnect"`
}

// envNames maps settings keys to the environment variables that feed them.
var envNames = map[string]string{
	"api-key":             "OPENAI_API_KEY",
	"api-base-url":        "OPENAI_API_BASE_URL",
	"model":               "OPENAI_MODEL",
	"max-model-tokens":    "MAX_MODEL_TOKENS",
	"max-response-tokens": "MAX_RESPONSE_TOKENS",
	"timeout-ms":          "TIMEOUT_MS",
	"https-proxy":         "HTTPS_PROXY",
	"socks-proxy":         "SOCKS_PROXY",
	"debug":               "DEBUG",
	"system-message":      "SYSTEM_MESSAGE",
	"tokenizer":           "TOKENIZER",
	"port":                "PORT",
	"public-dir":          "PUBLIC_DIR",
	"basic-auth":          "BASIC_AUTH",
	"passwd-file":         "PASSWD_FILE",
	"store":               "CHATPROXY_STORE",
	"redis-addr":          "CHATPROXY_REDIS_ADDR",
	"events":              "CHATPROXY_EVENTS",
}

// ConfigFileFlag names the flag carrying the optional YAML config file.
const ConfigFileFlag = "settings-file"

// AddFlags registers every setting on fs with its default value.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(ConfigFileFlag, "", "Optional YAML config file")
	fs.String("api-key", "", "API key for the completion service")
	fs.String("api-base-url", "https://api.openai.com/v1", "Base URL of the completion service")
	fs.String("model", "gpt-3.5-turbo", "Model identifier")
	fs.Float64("temperature", 0.8, "Sampling temperature")
	fs.Float64("top-p", 1, "Nucleus sampling mass")
	fs.Float64("presence-penalty", 1, "Presence penalty")
	fs.Int("max-model-tokens", 4000, "Context size of the model")
	fs.Int("max-response-tokens", 1000, "Tokens reserved for the completion")
	fs.Int("timeout-ms", 0, "Upstream call timeout in milliseconds, 0 disables it")
	fs.String("https-proxy", "", "Forward proxy for upstream calls")
	fs.String("socks-proxy", "", "SOCKS5 proxy for upstream calls, used when no https proxy is set")
	fs.Bool("debug", false, "Log upstream request and response bodies")
	fs.String("system-message", "", "System message, defaults to the ChatGPT preamble with the current date")
	fs.String("tokenizer", "tiktoken", "Token counter backend (tiktoken, tokenizer)")
	fs.String("addr", "", "Listen address, overrides --port")
	fs.Int("port", 3000, "Listen port")
	fs.String("public-dir", "public", "Directory served at /")
	fs.Bool("basic-auth", false, "Require basic auth against --passwd-file")
	fs.String("passwd-file", "passwd.txt", "File with one user:password pair per line")
	fs.String("store", "memory", "Message store backend (memory, sqlite, redis)")
	fs.Int("store-size", 10000, "Maximum number of stored messages (memory, sqlite)")
	fs.String("sqlite-path", "chatproxy.db", "SQLite database file for --store=sqlite")
	fs.String("redis-addr", "localhost:6379", "Redis address for --store=redis")
	fs.Duration("redis-ttl", 0, "Expiry of stored messages for --store=redis, 0 keeps them")
	fs.String("events", "memory", "Turn event bus backend (memory, redis)")
	fs.String("events-redis-addr", "localhost:6379", "Redis address for --events=redis")
	fs.Bool("cancel-on-disconnect", false, "Cancel the upstream call when the client disconnects")
}

// LoadDotEnv exports variables from path unless they are already set. A
// missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "stat %s", path)
	}
	if err := gotenv.Load(path); err != nil {
		return errors.Wrapf(err, "load %s", path)
	}
	return nil
}

// Load resolves settings with the precedence flag > env > config file > default.
func Load(v *viper.Viper, fs *pflag.FlagSet, configFile string) (*Settings, error) {
	if v == nil {
		v = viper.New()
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, errors.Wrap(err, "bind flags")
		}
	}
	for key, env := range envNames {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "bind env %s", env)
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "decode settings")
	}
	return s, nil
}

type MissingConfigurationError struct {
	Key string
	Env string
}

func (e *MissingConfigurationError) Error() string {
	return fmt.Sprintf("missing configuration %s (set --%s or %s)", e.Key, e.Key, e.Env)
}

func (s *Settings) Validate() error {
	if strings.TrimSpace(s.APIKey) == "" {
		return &MissingConfigurationError{Key: "api-key", Env: envNames["api-key"]}
	}
	if s.MaxResponseTokens >= s.MaxModelTokens {
		return errors.Errorf("max-response-tokens (%d) must be smaller than max-model-tokens (%d)", s.MaxResponseTokens, s.MaxModelTokens)
	}
	if s.BasicAuth && strings.TrimSpace(s.PasswdFile) == "" {
		return &MissingConfigurationError{Key: "passwd-file", Env: envNames["passwd-file"]}
	}
	return nil
}

func (s *Settings) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

func (s *Settings) ListenAddr() string {
	if s.Addr != "" {
		return s.Addr
	}
	return ":" + strconv.Itoa(s.Port)
}

// SystemMessageAt returns the configured system message, or the default one
// dated with now.
func (s *Settings) SystemMessageAt(now time.Time) string {
	if s.SystemMessage != "" {
		return s.SystemMessage
	}
	return DefaultSystemMessage(now)
}

func DefaultSystemMessage(now time.Time) string {
	return "You are ChatGPT, a large language model trained by OpenAI. Answer as concisely as possible.\n" +
		"Knowledge cutoff: 2021-09-01\n" +
		"Current date: " + now.Format("2006-01-02")
}

// Redacted returns a copy safe for printing.
func (s Settings) Redacted() Settings {
	s.APIKey = mask(s.APIKey)
	return s
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:3] + "****" + secret[len(secret)-4:]
}
