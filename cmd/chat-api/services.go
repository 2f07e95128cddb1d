package main

import (
	"context"
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/chats"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/config"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/database"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/events"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/media"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/placemigration"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/users"
	"go.uber.org/zap"
)

const redisKeyPrefix = "gravity-chat:"

// services holds the services shared by the server and the migration commands.
type services struct {
	users      *users.Service
	chats      *chats.Backend
	migration  *placemigration.Engine
	dispatcher *events.Dispatcher
	closers    []io.Closer
	logger     *zap.Logger
}

func newServices(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*services, error) {
	rt := &services{logger: logger}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	db, err := database.Open(database.Options{Driver: appConfig.DatabaseDriver, DSN: appConfig.DatabaseDSN}, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, sqlDB)

	views, err := newViewCache(ctx, appConfig, rt)
	if err != nil {
		return nil, err
	}

	rt.dispatcher = events.NewDispatcher()
	broker, err := events.NewAMQPPublisher(events.AMQPConfig{
		URL:      appConfig.AMQPURL,
		Exchange: appConfig.AMQPExchange,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if closer, isCloser := broker.(io.Closer); isCloser {
		rt.closers = append(rt.closers, closer)
	}
	publisher := events.Multi{rt.dispatcher, broker}

	rt.users, err = users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return nil, err
	}
	rt.chats, err = chats.NewBackend(chats.ServiceConfig{
		Database:            db,
		Cache:               views,
		Publisher:           publisher,
		Accounts:            rt.users,
		Clock:               time.Now,
		Logger:              logger,
		LocalIDCacheSize:    appConfig.LocalIDCacheSize,
		AnnouncementsChatID: chats.ChatID(appConfig.AnnouncementsChatID),
	})
	if err != nil {
		return nil, err
	}
	mediaService, err := media.NewService(media.ServiceConfig{
		Database: db,
		Versions: rt.chats.Versions,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	rt.migration, err = placemigration.NewEngine(placemigration.Config{
		Database:  db,
		Chats:     rt.chats,
		Media:     mediaService,
		Publisher: publisher,
		BatchSize: appConfig.MigrationBatchSize,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return rt, nil
}

func newViewCache(ctx context.Context, appConfig config.AppConfig, rt *services) (cache.Store, error) {
	if appConfig.CacheBackend != config.CacheBackendRedis {
		return cache.NewMemory(appConfig.CacheSize)
	}
	redisCache, err := cache.NewRedis(cache.RedisConfig{
		Address:   appConfig.RedisAddress,
		Password:  appConfig.RedisPassword,
		DB:        appConfig.RedisDB,
		TTL:       appConfig.CacheTTL,
		KeyPrefix: redisKeyPrefix,
	})
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, redisCache)
	if err := redisCache.Ping(ctx); err != nil {
		rt.logger.Warn("redis view cache unreachable at startup", zap.Error(err))
	}
	return redisCache, nil
}

// Close releases connections in reverse order of acquisition.
func (rt *services) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			rt.logger.Warn("shutdown close failed", zap.Error(err))
		}
	}
	rt.closers = nil
}
