package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"auth"`
	Live struct {
		Retention time.Duration `mapstructure:"retention"`
		MaxPoints int           `mapstructure:"maxPoints"`
		MaxRows   int           `mapstructure:"maxRows"`
	} `mapstructure:"live"`
	Presence struct {
		TTL       time.Duration `mapstructure:"ttl"`
		CursorTTL time.Duration `mapstructure:"cursorTtl"`
	} `mapstructure:"presence"`
}

// Load 读取 realtimeConfig.yaml，兼容从项目根目录或 backend 目录启动。
func Load() (*Config, error) {
	cfg := &Config{}
	v := viper.New()
	v.SetConfigName("realtimeConfig")
	v.SetConfigType("yaml")
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
