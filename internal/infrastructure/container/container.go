package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"fxstream/internal/application/gateway"
	"fxstream/internal/application/port"
	"fxstream/internal/domain"
	"fxstream/internal/infrastructure/config"
	"fxstream/internal/infrastructure/pricefeed"
	"fxstream/internal/infrastructure/storage/composite"
	kafkarepo "fxstream/internal/infrastructure/storage/kafka"
	pgrepo "fxstream/internal/infrastructure/storage/postgres"
	redisrepo "fxstream/internal/infrastructure/storage/redis"
	sqliterepo "fxstream/internal/infrastructure/storage/sqlite"
)

// Container 包含所有应用依赖
type Container struct {
	cfg *config.Config
	log zerolog.Logger

	sqliteRepo   *sqliterepo.Repo
	postgresRepo *pgrepo.Repo
	redisRepo    *redisrepo.Repo
	kafkaRepo    *kafkarepo.Repo
	store        *composite.Repo

	registry *pricefeed.Registry
	pips     *domain.PipRegistry

	closeOnce   sync.Once
	closerChain []func() error
}

// New 按配置初始化存储层；任何一个 sink 失败都会清理已初始化的资源
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{
		cfg:      cfg,
		log:      log,
		registry: pricefeed.Default(log),
		pips:     domain.NewPipRegistry(cfg.Pips),
	}
	if err := c.initStorage(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) initStorage(ctx context.Context) error {
	st := c.cfg.Storage
	if st.SQLite.Enabled {
		if err := c.initSQLite(); err != nil {
			return fmt.Errorf("sqlite init failed: %w", err)
		}
	}
	if st.Postgres.Enabled {
		if err := c.initPostgres(); err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
	}
	if st.Redis.Enabled {
		if err := c.initRedis(ctx); err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
	}
	if st.Kafka.Enabled {
		c.initKafka()
	}

	var sinks []port.TickSink
	// typed nil 不能直接放进接口切片
	if c.sqliteRepo != nil {
		sinks = append(sinks, c.sqliteRepo)
	}
	if c.postgresRepo != nil {
		sinks = append(sinks, c.postgresRepo)
	}
	if c.redisRepo != nil {
		sinks = append(sinks, c.redisRepo)
	}
	if c.kafkaRepo != nil {
		sinks = append(sinks, c.kafkaRepo)
	}
	c.store = composite.New(sinks...)
	return nil
}

func (c *Container) initSQLite() error {
	repo, err := sqliterepo.New(c.cfg.Storage.SQLite.Path)
	if err != nil {
		return err
	}
	c.sqliteRepo = repo
	c.closerChain = append(c.closerChain, func() error {
		c.log.Info().Msg("closing sqlite connection")
		return repo.Close()
	})
	c.log.Info().Str("path", c.cfg.Storage.SQLite.Path).Msg("sqlite initialized")
	return nil
}

func (c *Container) initPostgres() error {
	repo, err := pgrepo.New(c.cfg.Storage.Postgres.DSN)
	if err != nil {
		return err
	}
	c.postgresRepo = repo
	c.closerChain = append(c.closerChain, func() error {
		c.log.Info().Msg("closing postgres connection")
		return repo.Close()
	})
	c.log.Info().Msg("postgres initialized")
	return nil
}

func (c *Container) initRedis(ctx context.Context) error {
	rc := c.cfg.Storage.Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	repo := redisrepo.New(rdb, redisrepo.Options{
		Prefix: rc.Prefix,
		TTL:    time.Duration(rc.TTLSec) * time.Second,
		MaxLen: rc.MaxLen,
	})
	c.redisRepo = repo
	c.closerChain = append(c.closerChain, func() error {
		c.log.Info().Msg("closing redis connection")
		return repo.Close()
	})
	c.log.Info().Str("addr", rc.Addr).Int("db", rc.DB).Msg("redis initialized")
	return nil
}

// kafka writer 懒连接，首次写入时才拨号
func (c *Container) initKafka() {
	kc := c.cfg.Storage.Kafka
	repo := kafkarepo.New(kafkarepo.NewWriter(kc.Brokers, kc.Topic))
	c.kafkaRepo = repo
	c.closerChain = append(c.closerChain, func() error {
		c.log.Info().Msg("closing kafka writer")
		return repo.Close()
	})
	c.log.Info().Strs("brokers", kc.Brokers).Str("topic", kc.Topic).Msg("kafka initialized")
}

func (c *Container) Pips() *domain.PipRegistry { return c.pips }

// Store 返回扇出到所有已启用 sink 的组合写入器，未启用任何存储时为空组合
func (c *Container) Store() port.TickSink { return c.store }

// Archive 优先 sqlite，其次 postgres；都未启用返回 nil
func (c *Container) Archive() port.TickArchive {
	switch {
	case c.sqliteRepo != nil:
		return c.sqliteRepo
	case c.postgresRepo != nil:
		return c.postgresRepo
	}
	return nil
}

func (c *Container) RedisRepo() *redisrepo.Repo { return c.redisRepo }

// Gateway 创建 gateway 并注册配置中的全部 venue
func (c *Container) Gateway() (*gateway.Gateway, error) {
	gw := gateway.New(c.registry, c.cfg.GatewayOptions(c.log))
	for _, vc := range c.cfg.VenueConfigs() {
		if _, err := gw.Register(vc); err != nil {
			return nil, fmt.Errorf("register %s: %w", vc.Venue, err)
		}
	}
	return gw, nil
}

// Close 关闭所有资源（按后进先出顺序）
func (c *Container) Close() error {
	var err error
	c.closeOnce.Do(func() {
		for i := len(c.closerChain) - 1; i >= 0; i-- {
			if e := c.closerChain[i](); e != nil {
				c.log.Error().Err(e).Msg("error closing resource")
				if err == nil {
					err = e
				}
			}
		}
		c.log.Info().Msg("container closed")
	})
	return err
}
