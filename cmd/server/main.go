package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	"github.com/yieldvault/backend/internal/config"
	"github.com/yieldvault/backend/internal/database"
	"github.com/yieldvault/backend/internal/handlers"
	"github.com/yieldvault/backend/internal/logging"
	mW "github.com/yieldvault/backend/internal/middleware"
	"github.com/yieldvault/backend/internal/models"
	"github.com/yieldvault/backend/internal/services"
	"go.uber.org/zap"
)

// @title YieldVault Backend API
// @version 1.0
// @description Ledger engine for the crypto-deposit investment platform
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("commission.rate_tier1", "COMMISSION_RATE_TIER1")
	viper.BindEnv("commission.rate_tier2", "COMMISSION_RATE_TIER2")
	viper.BindEnv("commission.rate_tier3", "COMMISSION_RATE_TIER3")
	viper.BindEnv("rewards.daily.amount", "REWARD_DAILY_AMOUNT")
	viper.BindEnv("rewards.random.min", "REWARD_RANDOM_MIN")
	viper.BindEnv("rewards.random.max", "REWARD_RANDOM_MAX")
	viper.BindEnv("rewards.random.cooldown", "REWARD_RANDOM_COOLDOWN")
	viper.BindEnv("idempotency.key_ttl", "IDEMPOTENCY_KEY_TTL")
	viper.BindEnv("invite.base_url", "INVITE_BASE_URL")

	viper.SetDefault("jwt.expiry_hours", 24)
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)

	flush := logging.Init()
	defer flush()

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	engineCfg := config.LoadEngineConfig()

	ledgerService := services.NewLedgerService(db)
	referralService := services.NewReferralService(db, ledgerService, engineCfg)
	transactionService := services.NewTransactionService(db, redisClient, ledgerService, referralService, engineCfg)
	rewardService := services.NewRewardService(db, ledgerService, engineCfg)
	reportService := services.NewReportService(db, ledgerService)
	authService := services.NewAuthService(db, redisClient, referralService)
	qrService := services.NewQRService(db, engineCfg)
	qrHandler := handlers.NewQRHandler(qrService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/account", authService.GetUserAccount)
			r.Put("/account/wallet", authService.UpdateWallet)

			r.Get("/balance", ledgerService.GetBalance)
			r.Get("/ledger", ledgerService.ListEntries)

			r.Get("/transactions", transactionService.ListTransactions)
			r.Get("/transactions/{txId}", transactionService.GetTransaction)
			r.Post("/deposits", transactionService.RequestDeposit)
			r.Post("/withdrawals", transactionService.RequestWithdrawal)

			r.Get("/rewards/daily/status", rewardService.DailyStatus)
			r.Post("/rewards/daily/claim", rewardService.ClaimDaily)
			r.Get("/rewards/random/status", rewardService.RandomStatus)
			r.Post("/rewards/random/claim", rewardService.ClaimRandom)

			r.Get("/referrals/stats", referralService.GetStats)
			r.Get("/referrals/qr", qrHandler.InviteQR)

			// Staff endpoints
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole(models.RoleAdmin, models.RoleAccounting))

				r.Post("/admin/deposits/{txId}/approve", transactionService.ApproveDeposit)
				r.Post("/admin/deposits/{txId}/reject", transactionService.RejectDeposit)
				r.Post("/admin/withdrawals/{txId}/approve", transactionService.ApproveWithdrawal)
				r.Post("/admin/withdrawals/{txId}/reject", transactionService.RejectWithdrawal)
				r.Post("/admin/adjustments", reportService.CreateAdjustment)
				r.Get("/admin/reports/financial", reportService.FinancialReport)
				r.Get("/admin/reports/users", reportService.UserReport)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		zap.L().Info("server starting", zap.String("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zap.L().Info("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		zap.L().Fatal("server forced to shutdown", zap.Error(err))
	}

	zap.L().Info("server stopped")
}
