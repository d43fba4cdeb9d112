package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/espresso-chat/internal/chat"
	"github.com/pelusa-v/espresso-chat/internal/config"
	"github.com/pelusa-v/espresso-chat/internal/handlers"
	"github.com/pelusa-v/espresso-chat/internal/store"
)

const tokenIssuer = "espresso-chat"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := newLogger(cfg)

	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("store unavailable")
	}
	logger.Info().Str("backend", cfg.StoreBackend).Msg("store ready")

	manager := chat.NewManager(st, st, chat.Options{
		HistoryLimit:   cfg.HistoryLimit,
		SendBuffer:     cfg.SendBuffer,
		RecordPresence: cfg.RecordPresence,
	}, logger)

	secret := cfg.JWTSecret
	if secret == "" {
		secret = ephemeralSecret()
		logger.Warn().Msg("JWT_SECRET not set, using an ephemeral secret; tokens will not survive a restart")
	}
	h := handlers.NewHandler(manager, st, handlers.NewAuthenticator(secret, tokenIssuer), logger)
	if cfg.DevTokens {
		h.EnableDevTokens()
		logger.Warn().Msg("POST /dev/token is enabled and issues tokens without authentication")
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: !cfg.IsDevelopment()})
	h.Routes(app)

	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("chat server starting")
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"chat": func(ctx context.Context) error {
				logger.Info().Msg("graceful shutdown initiated")
				if err := app.ShutdownWithContext(ctx); err != nil {
					logger.Error().Err(err).Msg("http shutdown")
				}
				manager.Shutdown()
				return st.Close()
			},
		},
	)

	exitCode := <-wait
	logger.Info().Int("exit_code", exitCode).Msg("server stopped")
	os.Exit(exitCode)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func openStore(cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return store.NewRedisStore(ctx, cfg.RedisURL, logger)
	case config.BackendSQLite:
		return store.OpenSQLite(cfg.SQLitePath)
	default:
		return store.NewMemoryStore(), nil
	}
}

func ephemeralSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
