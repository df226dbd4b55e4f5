package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ICEConfig struct {
	Mode         string   `mapstructure:"mode"`
	STUNURLs     []string `mapstructure:"stun_urls"`
	TURNURLs     []string `mapstructure:"turn_urls"`
	TURNUsername string   `mapstructure:"turn_username"`
	TURNPassword string   `mapstructure:"turn_password"`
}

type NegotiationConfig struct {
	// StallTimeout marks a link failed when it is not stable in time. Zero disables it.
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
}

type RecorderConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Segment   time.Duration `mapstructure:"segment"`
	UploadURL string        `mapstructure:"upload_url"`
}

// ClientConfig configures the meeting client.
type ClientConfig struct {
	SignalURL   string            `mapstructure:"signal_url"`
	ChatURL     string            `mapstructure:"chat_url"`
	RegistryURL string            `mapstructure:"registry_url"`
	Room        string            `mapstructure:"room"`
	DisplayName string            `mapstructure:"display_name"`
	Token       string            `mapstructure:"token"`
	JWTSecret   string            `mapstructure:"jwt_secret"`
	Mode        string            `mapstructure:"mode"`
	LogLevel    string            `mapstructure:"log_level"`
	ICE         ICEConfig         `mapstructure:"ice"`
	Negotiation NegotiationConfig `mapstructure:"negotiation"`
	Recorder    RecorderConfig    `mapstructure:"recorder"`
}

// VoiceOnly reports whether the client captures audio only.
func (c *ClientConfig) VoiceOnly() bool { return strings.EqualFold(c.Mode, "voice") }

// RelayConfig configures the relay server.
type RelayConfig struct {
	Mode             string        `mapstructure:"mode"`
	Port             int           `mapstructure:"port"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	JWTSecret        string        `mapstructure:"jwt_secret"`
	RedisAddr        string        `mapstructure:"redis_addr"`
	MeetingTTL       time.Duration `mapstructure:"meeting_ttl"`
	ChatRateLimit    int           `mapstructure:"chat_rate_limit"`
	ChatRateInterval time.Duration `mapstructure:"chat_rate_interval"`
	LogLevel         string        `mapstructure:"log_level"`
}

func newViper(name, prefix string) (*viper.Viper, string) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/%s.%s.yaml", name, env)
	v.SetConfigFile(fileName)

	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, fileName
}

func read(v *viper.Viper, fileName string) error {
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(fileName); statErr == nil {
			return fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		// missing file is fine, defaults and env apply
	}
	return nil
}

func SetClientDefaults(v *viper.Viper) {
	v.SetDefault("signal_url", "ws://localhost:8080/api/ws")
	v.SetDefault("chat_url", "ws://localhost:8080/api/ws")
	v.SetDefault("registry_url", "")
	v.SetDefault("room", "")
	v.SetDefault("display_name", "")
	v.SetDefault("token", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("mode", "unified")
	v.SetDefault("log_level", "info")
	v.SetDefault("ice.mode", "")
	v.SetDefault("ice.stun_urls", []string{})
	v.SetDefault("ice.turn_urls", []string{})
	v.SetDefault("ice.turn_username", "")
	v.SetDefault("ice.turn_password", "")
	v.SetDefault("negotiation.stall_timeout", "0s")
	v.SetDefault("recorder.enabled", false)
	v.SetDefault("recorder.segment", "10s")
	v.SetDefault("recorder.upload_url", "")
}

func SetRelayDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("jwt_secret", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("meeting_ttl", "12h")
	v.SetDefault("chat_rate_limit", 5)
	v.SetDefault("chat_rate_interval", "3s")
	v.SetDefault("log_level", "info")
}

// LoadClient reads config/meet.<CONFIG_ENV>.yaml with MEET_* overrides.
func LoadClient() (*ClientConfig, error) {
	v, fileName := newViper("meet", "MEET")
	SetClientDefaults(v)
	if err := read(v, fileName); err != nil {
		return nil, err
	}
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ICE = mergeICEEnv(cfg.ICE)
	return &cfg, nil
}

// LoadRelay reads config/relay.<CONFIG_ENV>.yaml with RELAY_* overrides.
func LoadRelay() (*RelayConfig, error) {
	v, fileName := newViper("relay", "RELAY")
	SetRelayDefaults(v)
	if err := read(v, fileName); err != nil {
		return nil, err
	}
	var cfg RelayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
