package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"cardledger/pkg/logger"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// 存储驱动
const (
	DriverMemory = "memory"
	DriverMySQL  = "mysql"
	DriverRedis  = "redis"
)

// 压测模式
const (
	ModeEmbedded = "embedded"
	ModeRemote   = "remote"
)

const EnvPrefix = "CARDLEDGER"

// Config 全局配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Events    EventsConfig    `mapstructure:"events"`
	Benchmark BenchmarkConfig `mapstructure:"benchmark"`
	Log       logger.Config   `mapstructure:"log"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	// memory | mysql | redis
	Driver     string `mapstructure:"driver"`
	Partitions int    `mapstructure:"partitions"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	MaxRetries int    `mapstructure:"max_retries"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	Transfer string `mapstructure:"transfer"`
}

// EventsConfig 转账事件经 outbox 投递到 Kafka
type EventsConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetryCount int           `mapstructure:"max_retry_count"`
}

type BenchmarkConfig struct {
	// embedded 进程内引擎，remote 调用 HTTP 服务
	Mode      string `mapstructure:"mode"`
	Endpoint  string `mapstructure:"endpoint"`
	CardCount int    `mapstructure:"card_count"`
	// TransferPct 每轮发起转账的概率，百分比 0-100
	TransferPct     int           `mapstructure:"transfer_pct"`
	Concurrency     int           `mapstructure:"concurrency"`
	Duration        time.Duration `mapstructure:"duration"`
	Calls           int           `mapstructure:"calls"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	DisplayInterval time.Duration `mapstructure:"display_interval"`
	ProvisionLock   bool          `mapstructure:"provision_lock"`
	Seed            int64         `mapstructure:"seed"`
}

func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.partitions", 16)

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.database", "cardledger")
	v.SetDefault("mysql.max_open_conns", 100)
	v.SetDefault("mysql.max_idle_conns", 10)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 16)

	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.transfer", "card_transfer")

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.interval", 100*time.Millisecond)
	v.SetDefault("events.batch_size", 100)
	v.SetDefault("events.max_retry_count", 5)

	v.SetDefault("benchmark.mode", ModeEmbedded)
	v.SetDefault("benchmark.endpoint", "http://127.0.0.1:8080")
	v.SetDefault("benchmark.card_count", 500000)
	v.SetDefault("benchmark.transfer_pct", 2)
	v.SetDefault("benchmark.concurrency", 100)
	v.SetDefault("benchmark.duration", 60*time.Second)
	v.SetDefault("benchmark.calls", 0)
	v.SetDefault("benchmark.call_timeout", 10*time.Second)
	v.SetDefault("benchmark.display_interval", 5*time.Second)
	v.SetDefault("benchmark.provision_lock", false)
	v.SetDefault("benchmark.seed", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// BenchmarkFlags 压测命令行参数，flag 名与 benchmark 配置项一致
func BenchmarkFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("benchmark", pflag.ContinueOnError)
	fs.String("config", "config/config.yaml", "配置文件路径")
	fs.String("mode", ModeEmbedded, "embedded 或 remote")
	fs.String("endpoint", "http://127.0.0.1:8080", "remote 模式下的服务地址")
	fs.Int("card-count", 500000, "开卡数量")
	fs.Int("transfer-pct", 2, "每轮发起转账的概率，百分比 0-100")
	fs.Int("concurrency", 100, "在途调用上限")
	fs.Duration("duration", 60*time.Second, "压测时长")
	fs.Int("calls", 0, "压测轮数，大于 0 时优先于时长")
	fs.Duration("call-timeout", 10*time.Second, "单次调用超时")
	fs.Duration("display-interval", 5*time.Second, "进度输出间隔")
	fs.Bool("provision-lock", false, "开卡时持有 Redis 分布式锁")
	fs.Int64("seed", 0, "随机种子，0 表示按时间")
	return fs
}

var benchmarkFlagKeys = map[string]string{
	"mode":             "benchmark.mode",
	"endpoint":         "benchmark.endpoint",
	"card-count":       "benchmark.card_count",
	"transfer-pct":     "benchmark.transfer_pct",
	"concurrency":      "benchmark.concurrency",
	"duration":         "benchmark.duration",
	"calls":            "benchmark.calls",
	"call-timeout":     "benchmark.call_timeout",
	"display-interval": "benchmark.display_interval",
	"provision-lock":   "benchmark.provision_lock",
	"seed":             "benchmark.seed",
}

// LoadConfig 加载配置
//
// 优先级：命令行参数 > 环境变量 > 配置文件 > 默认值。
// configPath 为空或文件不存在时只使用默认值和环境变量；flags 可以为 nil。
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	if flags != nil {
		for name, key := range benchmarkFlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("绑定参数 %s 失败: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverMySQL, DriverRedis:
	default:
		return fmt.Errorf("未知的存储驱动: %q", c.Storage.Driver)
	}
	switch c.Benchmark.Mode {
	case ModeEmbedded, ModeRemote:
	default:
		return fmt.Errorf("未知的压测模式: %q", c.Benchmark.Mode)
	}
	if c.Storage.Partitions <= 0 {
		return fmt.Errorf("storage.partitions 必须大于 0")
	}
	return c.Benchmark.Validate()
}

// Validate 检查压测参数，workload.New 也会调用
func (c BenchmarkConfig) Validate() error {
	if c.TransferPct < 0 || c.TransferPct > 100 {
		return fmt.Errorf("benchmark.transfer_pct 必须在 [0,100] 之间")
	}
	if c.CardCount < 2 {
		return fmt.Errorf("benchmark.card_count 至少为 2")
	}
	if c.Calls <= 0 && c.Duration <= 0 {
		return fmt.Errorf("benchmark.calls 与 benchmark.duration 至少设置一个")
	}
	return nil
}
