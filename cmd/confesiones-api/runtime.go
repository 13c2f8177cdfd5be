package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/FabianTorres/confesiones/internal/auth"
	"github.com/FabianTorres/confesiones/internal/chat"
	"github.com/FabianTorres/confesiones/internal/confessions"
	"github.com/FabianTorres/confesiones/internal/config"
	"github.com/FabianTorres/confesiones/internal/database"
	"github.com/FabianTorres/confesiones/internal/metrics"
	"github.com/FabianTorres/confesiones/internal/realtime"
	"github.com/FabianTorres/confesiones/internal/store"
	"github.com/FabianTorres/confesiones/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	tokenIssuerName   = "confesiones-auth"
	tokenAudienceName = "confesiones-api"
)

// appRuntime holds the services shared by every command.
type appRuntime struct {
	sqlDB       *sql.DB
	redis       *redis.Client
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	publisher   realtime.Publisher
	subscriber  realtime.Subscriber
	users       *users.Service
	confessions *confessions.Service
	chat        *chat.Service
}

func openRuntime(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*appRuntime, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	rt := &appRuntime{sqlDB: sqlDB, registry: prometheus.NewRegistry()}

	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.metrics, err = metrics.New(rt.registry)
	if err != nil {
		rt.Close()
		return nil, err
	}

	dispatcher := realtime.NewDispatcher()
	rt.publisher = dispatcher
	rt.subscriber = dispatcher
	if appConfig.RedisAddress != "" {
		rt.redis = redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		relay, err := realtime.NewRedisRelay(realtime.RedisRelayConfig{
			Client:  rt.redis,
			Channel: appConfig.RedisChannel,
			Local:   dispatcher,
			Logger:  logger,
		})
		if err != nil {
			rt.Close()
			return nil, err
		}
		if err := relay.Start(ctx); err != nil {
			rt.Close()
			return nil, err
		}
		rt.publisher = relay
		rt.subscriber = relay
		logger.Info("realtime relay connected", zap.String("address", appConfig.RedisAddress), zap.String("channel", appConfig.RedisChannel))
	}

	transactor, err := store.NewTransactor(store.TransactorConfig{
		Database: db,
		Logger:   logger,
		Metrics:  rt.metrics,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	ids := store.NewUUIDProvider()

	rt.users, err = users.NewService(users.ServiceConfig{
		Database:   db,
		Transactor: transactor,
		Clock:      time.Now,
		IDProvider: ids,
		Publisher:  rt.publisher,
		Subscriber: rt.subscriber,
		Logger:     logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.confessions, err = confessions.NewService(confessions.ServiceConfig{
		Database:   db,
		Transactor: transactor,
		Clock:      time.Now,
		IDProvider: ids,
		Publisher:  rt.publisher,
		Subscriber: rt.subscriber,
		Profiles:   rt.users,
		Logger:     logger,
		Metrics:    rt.metrics,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	denormalizer, err := chat.NewDenormalizer(chat.DenormalizerConfig{
		Transactor: transactor,
		Publisher:  rt.publisher,
		Logger:     logger,
		Metrics:    rt.metrics,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.chat, err = chat.NewService(chat.ServiceConfig{
		Database:   db,
		Transactor: transactor,
		Clock:      time.Now,
		IDProvider: ids,
		Publisher:  rt.publisher,
		Subscriber: rt.subscriber,
		Directory:  rt.users,
		Hooks:      []chat.MessageHook{denormalizer},
		Logger:     logger,
		Metrics:    rt.metrics,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	return rt, nil
}

func (rt *appRuntime) tokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuerName,
		Audience:      tokenAudienceName,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func (rt *appRuntime) Close() {
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.sqlDB != nil {
		_ = rt.sqlDB.Close()
	}
}
