package config

import (
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
	Collab struct {
		// 冲突检测：时间窗口（毫秒）与位置邻近阈值
		ConflictWindowMs  int `mapstructure:"conflictWindowMs"`
		PositionProximity int `mapstructure:"positionProximity"`
		// 自动快照间隔（每 N 个操作）
		SnapshotEvery int `mapstructure:"snapshotEvery"`
		// 会话不活跃回收（分钟）
		InactivityTimeoutMin int `mapstructure:"inactivityTimeoutMin"`
	} `mapstructure:"collab"`
}

// Load 按 collabConfig.yaml 读取配置。兼容从项目根目录或 backend 目录启动。
func Load() (*Config, error) {
	cfg := &Config{}
	v := viper.New()
	v.SetConfigName("collabConfig")
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
