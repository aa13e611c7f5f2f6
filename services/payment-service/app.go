package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/catalog"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/config"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/idempotency"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/ledger"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/notify"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/orders"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/provider"
)

// app holds everything a command needs. close releases it in reverse order.
type app struct {
	cfg      *config.Config
	store    *ledger.Store
	registry *provider.Registry
	notifier notify.Emitter
	service  *orders.Service
	rdb      *redis.Client
	closers  []func() error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level, _ := log.ParseLevel(cfg.Log.Level)
	log.SetLevel(level)
	return cfg, nil
}

func newApp(withRedis bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	a.store, err = ledger.Open(cfg.LedgerConfig())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	a.registry, err = cfg.BuildRegistry()
	if err != nil {
		a.close()
		return nil, err
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := notify.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			a.close()
			return nil, err
		}
		k := notify.NewKafka(producer, cfg.Kafka.Topic)
		a.notifier = k
		a.closers = append(a.closers, k.Close)
	} else {
		log.Info("No Kafka brokers configured, notifications are only logged")
		a.notifier = notify.Log{}
	}

	ordersCfg, err := cfg.OrdersConfig()
	if err != nil {
		a.close()
		return nil, err
	}
	a.service, err = orders.NewService(a.store, catalog.NewGorm(a.store.DB()), a.registry, a.notifier, ordersCfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create order service: %w", err)
	}

	if withRedis && cfg.Redis.Addr != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, a.rdb.Close)
	}

	log.WithFields(log.Fields{
		"database":  cfg.Database.Driver,
		"providers": a.registry.Names(),
		"redis":     a.rdb != nil,
	}).Info("Service wired")
	return a, nil
}

func (a *app) idempotencyStore() *idempotency.Store {
	if a.rdb == nil {
		return nil
	}
	return idempotency.NewStore(a.rdb, a.cfg.Redis.TTL)
}

func (a *app) ping(ctx context.Context) error {
	return a.store.Ping(ctx)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.WithError(err).Warn("Failed to close resource")
		}
	}
}
