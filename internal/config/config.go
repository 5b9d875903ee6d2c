package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/harborchat/harbor/internal/voice"
)

type PresenceConfig struct {
	// GracePeriod is how long a user stays online after the last connection
	// closes before flipping to offline.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// IdleTimeout is how long without a heartbeat before online becomes idle.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// AgentTimeout is how long without activity before an agent goes offline.
	AgentTimeout time.Duration `mapstructure:"agent_timeout"`
}

type SignalConfig struct {
	JoinLimit    int           `mapstructure:"join_limit"`
	JoinInterval time.Duration `mapstructure:"join_interval"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	Presence PresenceConfig  `mapstructure:"presence"`
	Signal   SignalConfig    `mapstructure:"signal"`
	ICE      voice.ICEConfig `mapstructure:"ice"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("presence.grace_period", "10s")
	v.SetDefault("presence.idle_timeout", "5m")
	v.SetDefault("presence.agent_timeout", "3m")

	v.SetDefault("signal.join_limit", 5)
	v.SetDefault("signal.join_interval", "10s")

	v.SetDefault("ice.stun_urls", []string{"stun:stun.l.google.com:19302"})

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Static: %s\n", cfg.Mode, cfg.Port, cfg.StaticPath)
	return &cfg, nil
}
