package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Store struct {
		// redis | memory
		Backend string `mapstructure:"backend"`
	} `mapstructure:"store"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		// 多个地址且 cluster=true 时用 ClusterClient
		Cluster bool `mapstructure:"cluster"`
	} `mapstructure:"redis"`
	Mysql struct {
		// 为空表示不启用快照库
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		// 为空表示不发事件
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Cors struct {
		Enabled        bool     `mapstructure:"enabled"`
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
	} `mapstructure:"cors"`
	OT struct {
		LogCapacity     int           `mapstructure:"logCapacity"`
		SessionTTL      time.Duration `mapstructure:"sessionTTL"`
		MaxCASRetries   int           `mapstructure:"maxCASRetries"`
		PublishTimeout  time.Duration `mapstructure:"publishTimeout"`
		CleanupInterval time.Duration `mapstructure:"cleanupInterval"`
		CleanupMaxAge   time.Duration `mapstructure:"cleanupMaxAge"`
		MaxInflight     int           `mapstructure:"maxInflight"`
	} `mapstructure:"ot"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 3004)
	v.SetDefault("store.backend", StoreRedis)
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("kafka.topic", "ot-ops")
	v.SetDefault("auth.jwtSecret", "dev-secret")
	v.SetDefault("ot.logCapacity", 1000)
	v.SetDefault("ot.sessionTTL", time.Hour)
	v.SetDefault("ot.maxCASRetries", 3)
	v.SetDefault("ot.publishTimeout", 50*time.Millisecond)
	v.SetDefault("ot.cleanupInterval", 5*time.Minute)
	v.SetDefault("ot.cleanupMaxAge", time.Hour)
	v.SetDefault("ot.maxInflight", 100)
}

// Load 读取 otConfig.yaml，OT_ 前缀的环境变量覆盖文件，例如 OT_REDIS_PASSWORD。
// 找不到配置文件时只用默认值和环境变量。
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("otConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("OT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case StoreRedis:
		if len(c.Redis.Addrs) == 0 {
			return errors.New("config: redis.addrs is required for the redis store")
		}
	case StoreMemory:
	default:
		return errors.New("config: store.backend must be redis or memory")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("config: auth.jwtSecret is required")
	}
	if c.OT.CleanupMaxAge < 0 {
		return errors.New("config: ot.cleanupMaxAge must be >= 0")
	}
	return nil
}
