package config

import (
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Redis struct {
		// 为空时不发布 diff 到 redis
		Addr          string `mapstructure:"addr"`
		Password      string `mapstructure:"password"`
		ChannelPrefix string `mapstructure:"channelPrefix"`
	} `mapstructure:"redis"`
	Mysql struct {
		// 为空时不归档，启动时也不恢复
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queueSize"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"maxRetry"`
	} `mapstructure:"kafka"`
	Collab struct {
		PeerID      uint64   `mapstructure:"peerId"`
		ExpandAfter []string `mapstructure:"expandAfter"`
	} `mapstructure:"collab"`
	Cors struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"cors"`
}

// 所有键都要有默认值，否则 Unmarshal 看不到只在环境变量里出现的键
func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8090)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("collab.peerId", 0)
	v.SetDefault("redis.channelPrefix", "collab")
	v.SetDefault("kafka.topic", "collab.changesets")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("collab.expandAfter", []string{"bold", "italic", "list", "indent", "link"})
	v.SetDefault("cors.enabled", true)
}

// Load 读取 bridgeConfig.yaml，环境变量 BRIDGE_* 可覆盖，例如 BRIDGE_RUNNING_PORT。
// paths 为空时兼容从项目根目录或 backend 目录启动
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("bridgeConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 没有配置文件时只用默认值和环境变量
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
