package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/Lexie101/finalyearproject/internal/config"
	"github.com/Lexie101/finalyearproject/internal/db"
	internalhttp "github.com/Lexie101/finalyearproject/internal/http"
	"github.com/Lexie101/finalyearproject/internal/logger"
	"github.com/Lexie101/finalyearproject/internal/mail"
	"github.com/Lexie101/finalyearproject/internal/otp"
	"github.com/Lexie101/finalyearproject/internal/ratelimit"
	"github.com/Lexie101/finalyearproject/internal/repository"
	"github.com/Lexie101/finalyearproject/internal/session"
)

func main() {
	_ = godotenv.Load()

	log := logger.New(slog.LevelInfo)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", "error", err)
	}
	if cfg.UsingDevSecret() {
		log.Warn("COOKIE_SECRET not set, using the development secret; sessions are forgeable")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db connection failed", "error", err)
	}
	defer pool.Close()

	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		limiter = ratelimit.NewRedis(client)
		log.Info("rate limiting via redis", "addr", cfg.RedisAddr)
	} else {
		memory := ratelimit.NewMemory(time.Minute)
		defer memory.Stop()
		limiter = memory
		log.Info("rate limiting in memory; counters reset on restart")
	}

	mailer := mail.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom, cfg.SMTPEncrypt)
	var sender mail.Sender
	if mailer.Configured() {
		sender = mailer
	} else {
		log.Warn("smtp not configured, otp emails disabled")
	}

	store := repository.NewStore(pool)
	codec := session.NewCodec(cfg.CookieSecret, cfg.SessionMaxAge)
	otps := otp.NewService(store, limiter, sender, log, cfg.OTPExpiry, cfg.OTPLimit, cfg.OTPWindow, cfg.MailTimeout)
	server := internalhttp.NewServer(cfg, store, codec, limiter, otps, log, mailer.Configured())

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("bus tracker auth listening", "addr", cfg.HTTPAddr, "env", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
}
