package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/voicemesh/internal/mesh"
	"github.com/dkeye/voicemesh/internal/speaking"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	LogLevel   string        `mapstructure:"log_level"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	// SignalRate is the sustained number of signaling messages per second
	// one connection may send.
	SignalRate  float64 `mapstructure:"signal_rate"`
	SignalBurst int     `mapstructure:"signal_burst"`
}

type ClientConfig struct {
	ServerURL      string          `mapstructure:"server_url"`
	Room           string          `mapstructure:"room"`
	Player         int64           `mapstructure:"player"`
	Name           string          `mapstructure:"name"`
	Color          string          `mapstructure:"color"`
	LogLevel       string          `mapstructure:"log_level"`
	ICEServers     []string        `mapstructure:"ice_servers"`
	PingPeriod     time.Duration   `mapstructure:"ping_period"`
	RosterInterval time.Duration   `mapstructure:"roster_interval"`
	Mesh           mesh.Config     `mapstructure:",squash"`
	Speaking       speaking.Config `mapstructure:",squash"`
	CameraFile     string          `mapstructure:"camera_file"`
	CameraWidth    int             `mapstructure:"camera_width"`
	CameraHeight   int             `mapstructure:"camera_height"`
}

func newViper() (*viper.Viper, string) {
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

	v.SetEnvPrefix("VOICEMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, fileName
}

func read(v *viper.Viper, fileName string) {
	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}
}

// Load reads the rendezvous server configuration.
func Load() (*Config, error) {
	v, fileName := newViper()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "voicemesh-dev-secret")
	v.SetDefault("signal_rate", 20)
	v.SetDefault("signal_burst", 40)

	read(v, fileName)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Signal rate: %.0f/s\n", cfg.Mode, cfg.Port, cfg.SignalRate)
	return &cfg, nil
}

// LoadClient reads the client configuration; flags, when given, override
// the file and the environment.
func LoadClient(flags *pflag.FlagSet) (*ClientConfig, error) {
	v, fileName := newViper()

	md := mesh.DefaultConfig()
	sd := speaking.DefaultConfig()
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("room", "")
	v.SetDefault("player", 0)
	v.SetDefault("name", "")
	v.SetDefault("color", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ping_period", "54s")
	v.SetDefault("roster_interval", "5s")
	v.SetDefault("sweep_interval", md.SweepInterval)
	v.SetDefault("retry_delay", md.RetryDelay)
	v.SetDefault("grace_period", md.GracePeriod)
	v.SetDefault("max_retries", md.MaxRetries)
	v.SetDefault("speaking_threshold", sd.Threshold)
	v.SetDefault("speaking_interval", sd.Interval)
	v.SetDefault("camera_file", "")
	v.SetDefault("camera_width", 640)
	v.SetDefault("camera_height", 480)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}
	read(v, fileName)

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Room == "" || cfg.Player <= 0 {
		return nil, fmt.Errorf("room and player are required")
	}
	fmt.Printf("🧩 Server: %s | Room: %s | Player: %d\n", cfg.ServerURL, cfg.Room, cfg.Player)
	return &cfg, nil
}
