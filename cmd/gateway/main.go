package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"imip/gateway/internal/config"
	"imip/gateway/internal/gateway"
	"imip/gateway/internal/inject"
	"imip/gateway/internal/logger"
	"imip/gateway/internal/monitoring"
	"imip/gateway/internal/outbound"
	"imip/gateway/internal/poller"
	"imip/gateway/internal/token"
	httptransport "imip/gateway/internal/transport/http"
)

// main 启动 iMIP 网关：邮箱轮询、直接递交端点和出站投递。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if !cfg.Enabled {
		log.Info("gateway is disabled, exiting")
		return
	}

	log.Info("starting imip gateway",
		zap.String("mailbox_type", config.NormalizeReceivingType(cfg.Receiving.Type)),
		zap.String("mailbox_server", cfg.Receiving.Server),
		zap.String("log_level", cfg.Log.Level),
	)

	// 令牌表存储
	store, err := token.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal("failed to open token store", zap.Error(err))
	}
	defer store.Close()
	log.Info("token store opened", zap.String("driver", cfg.Database.Driver))

	metrics := monitoring.NewMetrics()

	// 组件装配
	injector := inject.NewHTTPInjector(cfg.Inject, log)
	composer := outbound.NewComposer(store, cfg.Sending, cfg.MailIconsDirectory, cfg.MailTemplatesDirectory, log)
	sender := outbound.NewSMTPSender(cfg.Sending, log)
	handler := gateway.NewHandler(store, injector, composer, sender, metrics, log)

	// 启动时清一次过期令牌
	handler.PurgeExpiredTokens(context.Background(), cfg.InvitationDaysToLive)

	mailboxPoller, err := poller.New(cfg.Receiving, handler, metrics, log)
	if err != nil {
		log.Fatal("failed to create mailbox poller", zap.Error(err))
	}

	httpAddr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Handler: handler,
		Metrics: metrics,
		Logger:  log,
	})
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 邮箱轮询 goroutine
	group.Go(func() error {
		if err := mailboxPoller.Run(groupCtx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	// 关闭协调 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// 等在途的出站投递收尾
		handler.Wait()
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Error("gateway exited with error", zap.Error(err))
	}
	log.Info("gateway stopped")
}
