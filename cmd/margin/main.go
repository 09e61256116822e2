// Package main 保证金引擎启动入口
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/marginengine/internal/margin/bootstrap"
	"github.com/wyfcoding/marginengine/internal/margin/infrastructure/pricefeed"
	"github.com/wyfcoding/marginengine/internal/margin/interfaces/consumer"
	grpc_server "github.com/wyfcoding/marginengine/internal/margin/interfaces/grpc"
	http_server "github.com/wyfcoding/marginengine/internal/margin/interfaces/http"
	"github.com/wyfcoding/marginengine/pkg/config"
	"github.com/wyfcoding/marginengine/pkg/logger"
	"github.com/wyfcoding/marginengine/pkg/mq"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "configs/margin/config.toml", "path to config file")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. Config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// 2. Logger
	log, err := logger.Init(cfg.Logger, cfg.ServiceName)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Infrastructure & Application
	app, err := bootstrap.Build(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build margin engine: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error("failed to close resources", "error", err)
		}
	}()

	// 4. Interfaces
	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	var limiter *rate.Limiter
	if cfg.HTTP.ManageRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.HTTP.ManageRateLimit), 1)
	}
	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      http_server.NewRouter(app.Engine, app.Metrics, log, limiter),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}
	grpcSrv, health := grpc_server.NewServer(log)

	handler := consumer.NewMarginEventHandler(app.Engine.Matcher, app.Metrics, log)
	consumers := make([]*mq.Consumer, 0, len(consumer.Topics))
	for _, topic := range consumer.Topics {
		consumers = append(consumers, mq.NewConsumer(cfg.Kafka, topic, app.Producer, log))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting HTTP server", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr())
		if err != nil {
			return fmt.Errorf("failed to listen gRPC: %w", err)
		}
		log.Info("starting gRPC server", "addr", cfg.GRPC.Addr())
		if err := grpcSrv.Serve(lis); err != nil {
			return fmt.Errorf("gRPC server error: %w", err)
		}
		return nil
	})

	for _, c := range consumers {
		g.Go(func() error { return c.Run(ctx, handler.Handle) })
	}

	g.Go(func() error { return app.Relay.Start(ctx, cfg.Margin.OutboxInterval) })
	g.Go(func() error { return app.Engine.Manager.Start(ctx, cfg.Margin.ScanInterval) })
	if cfg.Margin.ExpiryInterval > 0 {
		g.Go(func() error { return app.Engine.Expiry.Start(ctx, cfg.Margin.ExpiryInterval) })
	}

	if cfg.Margin.PriceFeedURL != "" {
		symbols := make([]string, 0, len(cfg.Margin.Markets))
		for _, m := range cfg.Margin.Markets {
			symbols = append(symbols, m.Symbol)
		}
		feed := pricefeed.NewFeed(cfg.Margin.PriceFeedURL, symbols, app.Prices, log)
		g.Go(func() error { return feed.Start(ctx) })
	}

	// Shutdown
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down margin engine")
		health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown failed", "error", err)
		}
		grpcSrv.GracefulStop()
		for _, c := range consumers {
			if err := c.Close(); err != nil {
				log.Error("failed to close consumer", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("margin engine stopped with error", "error", err)
		return err
	}
	log.Info("margin engine stopped")
	return nil
}
