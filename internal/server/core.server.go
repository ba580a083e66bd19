package server

import (
	"context"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"asset-ledger/internal/config"
	hrest "asset-ledger/internal/handler/rest"
	"asset-ledger/internal/pub"
	"asset-ledger/internal/repository"
	"asset-ledger/internal/service"
	"asset-ledger/internal/usecase"
)

// Server owns every long-lived resource of the ledger process.
type Server struct {
	http   *http.Server
	rdb    *redis.Client
	writer *kafka.Writer
	logger *zap.Logger

	closeDB func()
}

// New wires the full dependency graph: postgres pool, redis, kafka writer,
// repositories, usecases, REST handler.
func New(cfg config.AppConfig, logger *zap.Logger) (*Server, error) {
	dbpool, err := config.ConnectDB()
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       0,
	})

	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    cfg.KafkaTopic,
		Balancer: &kafka.LeastBytes{},
	}

	// --- Repositories ---
	txm := repository.NewTxManager(dbpool)
	balanceRepo := repository.NewBalanceRepo(dbpool)
	entryRepo := repository.NewEntryRepo(dbpool)
	ruleRepo := repository.NewRuleRepo(dbpool)

	// --- Usecases ---
	events := pub.NewOperationEventPublisher(rdb, writer, logger)
	guard := usecase.NewIdempotencyGuard(entryRepo)
	ledgerUC := usecase.NewLedgerService(txm, balanceRepo, entryRepo, guard, rdb, events, logger)
	ruleUC := usecase.NewRuleService(txm, ruleRepo, logger)
	convUC := usecase.NewConversionUsecase(txm, ruleRepo, balanceRepo, entryRepo, guard, ledgerUC, events, logger, cfg.FeeAccountID)

	// --- Seed bootstrap rules (non-blocking) ---
	seeder := service.NewSystemSeeder(ruleUC, logger)
	go func() {
		if err := seeder.SeedRules(context.Background()); err != nil {
			logger.Warn("rule seeding failed", zap.Error(err))
		}
	}()

	handler := hrest.NewLedgerRestHandler(ledgerUC, convUC, ruleUC, logger)

	return &Server{
		http: &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: handler.Router(),
		},
		rdb:     rdb,
		writer:  writer,
		logger:  logger,
		closeDB: dbpool.Close,
	}, nil
}

// Run blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("ledger REST server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests then releases every resource.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	if err := s.writer.Close(); err != nil {
		s.logger.Warn("kafka writer close", zap.Error(err))
	}
	if err := s.rdb.Close(); err != nil {
		s.logger.Warn("redis close", zap.Error(err))
	}
	s.closeDB()
}
