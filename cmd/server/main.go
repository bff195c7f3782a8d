package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cardledger/internal/bootstrap"
	"cardledger/internal/config"
	"cardledger/internal/handler"
	"cardledger/internal/infrastructure/mq"
	"cardledger/internal/job"
	"cardledger/internal/procedure"
	"cardledger/pkg/idgen"
	"cardledger/pkg/logger"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.String("config", "config/config.yaml", "配置文件路径")
	pflag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath, nil)
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

	if err := run(cfg, log); err != nil {
		log.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	// 初始化 ID 生成器
	if err := idgen.Init(1); err != nil {
		return err
	}

	res, err := bootstrap.OpenStore(cfg, log)
	if err != nil {
		return err
	}
	defer res.Close()

	engine := res.NewEngine(cfg, log)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	if res.EventsEnabled(cfg) {
		producer, err := mq.InitKafka(&cfg.Kafka)
		if err != nil {
			return err
		}
		defer producer.Close()

		outboxSender := job.NewOutboxSender(res.DB, producer, &cfg.Events, log)
		go outboxSender.Start(ctx)
	}

	// 设置路由
	router := handler.SetupRouter(handler.NewHandler(procedure.NewRegistry(engine), log), log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("服务启动", zap.Int("port", cfg.Server.Port), zap.String("storage", cfg.Storage.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("服务启动失败: %w", err)
	}

	log.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("服务关闭异常", zap.Error(err))
	}

	log.Info("服务已关闭")
	return nil
}
