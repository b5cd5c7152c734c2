package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTest opens an in-memory sqlite database for unit tests. Each call gets
// its own uniquely named database, so rows written by one test are never
// seen by another. It never talks to Postgres and therefore never exercises
// row-level security itself -- see pkg/rls for the RLS_POSTGRES_DSN-gated
// integration suite.
func NewTest() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}
