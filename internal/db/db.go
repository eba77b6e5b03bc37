package db

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"relay-queue-backend/config"
	"relay-queue-backend/internal/model"
)

// Init initializes the database connection and runs migrations.
func Init(cfg *config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	log.Info("running database migrations", zap.String("driver", cfg.Driver))
	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Info("database initialization complete")
	return db, nil
}

// Open connects to the configured driver without migrating.
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres", "":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	logMode := logger.Warn
	if cfg.LogSQL {
		logMode = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logMode),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// One writer at a time; claims rely on it in place of row locks.
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetimeMinutes > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	}
	return db, nil
}

// Migrate creates both command partitions, the subscription tables and the claim indexes.
func Migrate(db *gorm.DB) error {
	for _, p := range model.Partitions {
		if err := db.Table(p.Table()).AutoMigrate(&model.RelayCommand{}); err != nil {
			return fmt.Errorf("automigrate %s failed: %w", p.Table(), err)
		}
	}
	if err := db.AutoMigrate(&model.PushSubscription{}, &model.SubscriptionDevice{}); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	return applyIndexDDL(db)
}

func applyIndexDDL(db *gorm.DB) error {
	var ddls []string
	for _, p := range model.Partitions {
		t := p.Table()
		ddls = append(ddls,
			// claim scan: device filter, pending rows, priority then age
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_claim ON %s (origin_device_id, status, priority, created_at)", t, t),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_target ON %s (target_device_id, status)", t, t),
			// recovery sweep
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_lock ON %s (status, lock_expires_at)", t, t),
			// ack feed
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_updated ON %s (updated_at)", t, t),
		)
	}
	ddls = append(ddls, "CREATE INDEX IF NOT EXISTS idx_push_subscription_devices_device ON push_subscription_devices (device_id)")

	for _, ddl := range ddls {
		if err := db.Exec(ddl).Error; err != nil {
			return fmt.Errorf("DDL failed on %q: %w", ddl, err)
		}
	}
	return nil
}
