package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Planner    PlannerConfig    `mapstructure:"planner"`
	Rig        RigConfig        `mapstructure:"rig"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BridgeConfig addresses the NNG sockets of the hardware bridge.
type BridgeConfig struct {
	CommandAddr      string        `mapstructure:"cmd_addr"`
	StatusAddr       string        `mapstructure:"stat_addr"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
	ReceiveTimeout   time.Duration `mapstructure:"receive_timeout"`
	ResubscribeDelay time.Duration `mapstructure:"resubscribe_delay"`
}

type SupervisorConfig struct {
	ErrorMonitorPeriod time.Duration `mapstructure:"error_monitor_period"`
	LampPeriod         time.Duration `mapstructure:"lamp_period"`
	ButtonPeriod       time.Duration `mapstructure:"button_period"`
	ArrivalPoll        time.Duration `mapstructure:"arrival_poll"`
	ArrivalTimeout     time.Duration `mapstructure:"arrival_timeout"`
	ArrivalTolerance   float64       `mapstructure:"arrival_tolerance"`
	SettleDwell        time.Duration `mapstructure:"settle_dwell"`
	SettleGrace        time.Duration `mapstructure:"settle_grace"`
}

type PlannerConfig struct {
	MinSeparation     float64       `mapstructure:"min_separation"`
	Fallback          float64       `mapstructure:"fallback"`
	HitRange          float64       `mapstructure:"hit_range"`
	MaxTicks          int           `mapstructure:"max_ticks"`
	MoveTimePerDegree time.Duration `mapstructure:"move_time_per_degree"`
}

type RigConfig struct {
	ProfilePath string `mapstructure:"profile_path"`
}

type StorageConfig struct {
	SetpointFile string         `mapstructure:"setpoint_file"`
	ImageDir     string         `mapstructure:"image_dir"`
	Database     DatabaseConfig `mapstructure:"database"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	JWTSecretEnv   string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

const devSecret = "dev-secret-change-in-production-min-32-chars"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8800)
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("bridge.cmd_addr", "ipc:///tmp/pico_cmd")
	v.SetDefault("bridge.stat_addr", "ipc:///tmp/pico_stat")
	v.SetDefault("bridge.command_timeout", "10s")
	v.SetDefault("bridge.receive_timeout", "500ms")
	v.SetDefault("bridge.resubscribe_delay", "500ms")

	v.SetDefault("supervisor.error_monitor_period", "200ms")
	v.SetDefault("supervisor.lamp_period", "500ms")
	v.SetDefault("supervisor.button_period", "50ms")
	v.SetDefault("supervisor.arrival_poll", "100ms")
	v.SetDefault("supervisor.arrival_timeout", "8s")
	v.SetDefault("supervisor.arrival_tolerance", 5.0)
	v.SetDefault("supervisor.settle_dwell", "500ms")
	v.SetDefault("supervisor.settle_grace", "1s")

	v.SetDefault("planner.min_separation", 20.0)
	v.SetDefault("planner.fallback", 15.0)
	v.SetDefault("planner.hit_range", 45.0)
	v.SetDefault("planner.max_ticks", 360)
	v.SetDefault("planner.move_time_per_degree", "20ms")

	v.SetDefault("rig.profile_path", "configs/rig.yaml")

	v.SetDefault("storage.setpoint_file", "SPconfig.json")
	v.SetDefault("storage.image_dir", "motorImage")
	v.SetDefault("storage.database.port", 5432)
	v.SetDefault("storage.database.max_connections", 4)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "RIG_JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "12h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Load reads the YAML config at path. A missing file is not an error: the
// defaults and RIG_* environment variables are enough to run against a local
// bridge. An optional .env next to the binary is loaded first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RIG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, statErr := os.Stat(path); statErr == nil {
					return nil, fmt.Errorf("failed to read config: %w", err)
				}
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects timing and geometry values the supervisor cannot run with.
func (c *Config) Validate() error {
	if c.Bridge.CommandAddr == "" || c.Bridge.StatusAddr == "" {
		return fmt.Errorf("bridge.cmd_addr and bridge.stat_addr are required")
	}
	if c.Bridge.CommandTimeout <= 0 || c.Bridge.ReceiveTimeout <= 0 {
		return fmt.Errorf("bridge timeouts must be > 0")
	}
	if c.Supervisor.ArrivalPoll <= 0 || c.Supervisor.ArrivalTimeout <= 0 {
		return fmt.Errorf("supervisor.arrival_poll and supervisor.arrival_timeout must be > 0")
	}
	if c.Supervisor.ArrivalTolerance <= 0 {
		return fmt.Errorf("supervisor.arrival_tolerance must be > 0, got %.2f", c.Supervisor.ArrivalTolerance)
	}
	if c.Planner.MinSeparation < 0 || c.Planner.Fallback < 0 || c.Planner.HitRange < c.Planner.MinSeparation {
		return fmt.Errorf("planner: need 0 <= min_separation <= hit_range and fallback >= 0")
	}
	if c.Planner.MaxTicks <= 0 {
		return fmt.Errorf("planner.max_ticks must be > 0, got %d", c.Planner.MaxTicks)
	}
	return nil
}

func (c *DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "RIG_JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}
