package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/app"
)

// envLogLevel задаёт уровень логирования (debug, info, warn, error).
const envLogLevel = "LOG_LEVEL"

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(parseLevel(level))
}

func parseLevel(raw string) log.Level {
	level, err := log.ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		return log.InfoLevel
	}
	return level
}

// loadConfig подгружает .env, если он есть, и читает конфигурацию из окружения.
func loadConfig(files ...string) app.Config {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("не удалось прочитать .env")
	}
	cfg, warnings := app.ConfigFromOSEnv(app.DefaultConfig())
	for _, w := range warnings {
		log.WithError(w).Warn("некорректное значение переменной окружения, используем значение по умолчанию")
	}
	return cfg
}

func main() {
	cfg := loadConfig()
	setupLogger(os.Getenv(envLogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"http_addr":       cfg.HTTPAddr,
		"grpc_addr":       cfg.GRPCAddr,
		"metrics_addr":    cfg.MetricsAddr,
		"storage":         cfg.StorageDriver,
		"embedded_ledger": cfg.ProductServiceEmbedded(),
	}).Info("запускаем order-service")

	if err := app.RunOrderService(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("order-service остановлен")
}
