package db

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"points_wallet/internal/config"
	"points_wallet/internal/wallet"
)

// Open connects to the configured store and migrates the ledger schema.
func Open(cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "postgres":
		dialector = postgres.Open(cfg.DBConnStr)
	case "sqlite":
		dialector = sqlite.Open(cfg.DBConnStr)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.DBDriver)
	}

	gormLog := logger.Default.LogMode(logger.Warn)
	if cfg.IsDevelopment() && cfg.LogLevel == "debug" {
		gormLog = logger.Default.LogMode(logger.Info)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormLog,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DBDriver, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("sql handle: %w", err)
	}
	maxConns := cfg.DBMaxConns
	inMemory := cfg.DBDriver == "sqlite" && strings.Contains(cfg.DBConnStr, ":memory:")
	if cfg.DBDriver == "sqlite" {
		// one writer at a time; with :memory: every extra connection would
		// also see its own empty database
		maxConns = 1
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	if !inMemory {
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := wallet.Migrate(gdb); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info("database ready",
		zap.String("driver", cfg.DBDriver),
		zap.Int("max_conns", maxConns))
	return gdb, nil
}
