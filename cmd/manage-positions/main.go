// Package main 持仓管理任务：单次执行或按间隔持续执行强平扫描、到期清理、展期费、追保提醒与补偿结算
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wyfcoding/marginengine/internal/margin/bootstrap"
	"github.com/wyfcoding/marginengine/pkg/config"
	"github.com/wyfcoding/marginengine/pkg/logger"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		configPath string
		once       bool
		continuous bool
	)
	flag.StringVar(&configPath, "config", "configs/margin/config.toml", "path to config file")
	flag.BoolVar(&once, "once", false, "run a single manage cycle and exit")
	flag.BoolVar(&continuous, "continuous", false, "run manage cycles until interrupted")
	flag.Parse()

	if once == continuous {
		fmt.Fprintln(os.Stderr, "exactly one of -once or -continuous is required")
		os.Exit(2)
	}
	if err := run(configPath, continuous); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, continuous bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.Init(cfg.Logger, cfg.ServiceName+"-manage")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build margin engine: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error("failed to close resources", "error", err)
		}
	}()

	if !continuous {
		rc := app.Engine.Manager.RunOnce(ctx)
		// 单次执行后立即投递本轮产生的意图
		for {
			n, err := app.Relay.ProcessOnce(ctx)
			if err != nil {
				return fmt.Errorf("failed to flush outbox: %w", err)
			}
			if n == 0 {
				break
			}
		}
		if t := rc.Tallies(); t.Errors > 0 {
			return fmt.Errorf("manage run %s finished with %d errors", rc.ID, t.Errors)
		}
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Relay.Start(ctx, cfg.Margin.OutboxInterval) })
	g.Go(func() error { return app.Engine.Manager.Start(ctx, cfg.Margin.ScanInterval) })
	return g.Wait()
}
