package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cardledger/internal/bootstrap"
	"cardledger/internal/client"
	"cardledger/internal/config"
	"cardledger/internal/infrastructure/cache"
	"cardledger/internal/infrastructure/lock"
	"cardledger/internal/procedure"
	"cardledger/internal/stats"
	"cardledger/internal/workload"
	"cardledger/pkg/idgen"
	"cardledger/pkg/logger"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	flags := config.BenchmarkFlags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	configPath, _ := flags.GetString("config")

	cfg, err := config.LoadConfig(configPath, flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("压测失败", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if err := idgen.Init(2); err != nil {
		return err
	}

	var invoker client.Invoker
	switch cfg.Benchmark.Mode {
	case config.ModeRemote:
		invoker = client.NewHTTPInvoker(cfg.Benchmark.Endpoint)
		log.Info("远程模式", zap.String("endpoint", cfg.Benchmark.Endpoint))
	default:
		res, err := bootstrap.OpenStore(cfg, log)
		if err != nil {
			return err
		}
		defer res.Close()
		invoker = procedure.NewRegistry(res.NewEngine(cfg, log))
	}

	c := client.New(invoker, stats.NewAggregator(), client.Config{
		MaxOutstanding: cfg.Benchmark.Concurrency,
		CallTimeout:    cfg.Benchmark.CallTimeout,
	}, log)

	opts := []workload.Option{workload.WithLogger(log)}
	if cfg.Benchmark.ProvisionLock {
		rdb, err := cache.InitRedis(&cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		host, _ := os.Hostname()
		owner := fmt.Sprintf("%s-%d", host, os.Getpid())
		opts = append(opts, workload.WithProvisionLock(lock.NewProvisionLock(rdb, cfg.Benchmark.CardCount, owner)))
	}

	bench, err := workload.New(c, cfg.Benchmark, opts...)
	if err != nil {
		return err
	}
	if err := bench.Initialize(ctx); err != nil {
		return err
	}

	report, err := bench.Run(ctx)
	if err != nil {
		return err
	}
	return bench.PrintResults(os.Stdout, report)
}
