// Package bootstrap 按配置装配存储和交易引擎，server 与 benchmark 共用。
package bootstrap

import (
	"errors"
	"fmt"

	"cardledger/internal/config"
	"cardledger/internal/infrastructure/cache"
	"cardledger/internal/infrastructure/database"
	"cardledger/internal/ledger"
	"cardledger/internal/ledger/memstore"
	"cardledger/internal/ledger/redisstore"
	"cardledger/internal/ledger/sqlstore"
	"cardledger/internal/procedure"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Resources 已打开的存储及其底层连接
type Resources struct {
	Store ledger.Store
	// DB 仅 mysql 驱动时非空
	DB *gorm.DB
	// Redis 仅 redis 驱动时非空
	Redis *redis.Client

	closers []func() error
}

// OpenStore 打开 cfg.Storage.Driver 指定的存储
func OpenStore(cfg *config.Config, logger *zap.Logger) (*Resources, error) {
	res := &Resources{}

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		res.Store = memstore.New(cfg.Storage.Partitions)

	case config.DriverMySQL:
		db, err := database.InitMySQL(&cfg.MySQL)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("获取底层 DB 失败: %w", err)
		}
		res.DB = db
		res.Store = sqlstore.New(db)
		res.closers = append(res.closers, sqlDB.Close)

	case config.DriverRedis:
		rdb, err := cache.InitRedis(&cfg.Redis)
		if err != nil {
			return nil, err
		}
		res.Redis = rdb
		res.Store = redisstore.New(rdb,
			redisstore.WithMaxRetries(cfg.Redis.MaxRetries),
			redisstore.WithLogger(logger))
		res.closers = append(res.closers, rdb.Close)

	default:
		return nil, fmt.Errorf("未知的存储驱动: %q", cfg.Storage.Driver)
	}

	logger.Info("存储已就绪", zap.String("driver", cfg.Storage.Driver), zap.Int("partitions", cfg.Storage.Partitions))
	return res, nil
}

// EventsEnabled 只有 mysql 驱动的 outbox 表会被投递到 Kafka
func (r *Resources) EventsEnabled(cfg *config.Config) bool {
	return cfg.Events.Enabled && r.DB != nil
}

// NewEngine 创建交易引擎
func (r *Resources) NewEngine(cfg *config.Config, logger *zap.Logger) *procedure.Engine {
	opts := []procedure.Option{procedure.WithLogger(logger)}
	if r.EventsEnabled(cfg) {
		opts = append(opts, procedure.WithTransferEvents(cfg.Kafka.Topic.Transfer))
	} else if cfg.Events.Enabled {
		logger.Warn("转账事件仅支持 mysql 驱动，已忽略 events.enabled", zap.String("driver", cfg.Storage.Driver))
	}
	return procedure.NewEngine(r.Store, opts...)
}

// Close 关闭存储和底层连接
func (r *Resources) Close() error {
	errs := []error{r.Store.Close()}
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}
