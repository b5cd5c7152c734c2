package db

import (
	"time"

	obslogger "github.com/smallbiznis/tenantroute/internal/observability/logger"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// New opens the configured dialect and applies pool limits to the
// underlying *sql.DB. Postgres is the only dialect FORCE ROW LEVEL
// SECURITY can be enforced against; callers that need tenant isolation
// must use this connection, never NewTest's sqlite double.
//
// Every query is logged through the zap-backed GormLogger rather than
// gorm's own stdlib logger, so SQL timing and errors land in the same
// structured stream as the rest of the request.
func New(cfg Config) (*gorm.DB, error) {
	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: obslogger.NewGormLogger(obslogger.DefaultGormLoggerConfig()),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConn)
	}
	if cfg.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConn)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTime) * time.Second)
	}

	return gormDB, nil
}

// Module wires the pool-level *gorm.DB every request transaction BEGINs
// from.
var Module = fx.Module("db",
	fx.Provide(New),
)
