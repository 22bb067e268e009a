package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/suPer8Hu/ai-workspace/internal/chat"
	"github.com/suPer8Hu/ai-workspace/internal/credits"
	"github.com/suPer8Hu/ai-workspace/internal/models"
	"github.com/suPer8Hu/ai-workspace/internal/workspace"
)

// zapWriter feeds gorm's logger into zap.
type zapWriter struct{ log *zap.SugaredLogger }

func (w zapWriter) Printf(format string, args ...any) { w.log.Warnf(format, args...) }

func newGormLogger(log *zap.Logger) logger.Interface {
	if log == nil {
		log = zap.NewNop()
	}
	return logger.New(zapWriter{log: log.Sugar()}, logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// Connect opens the database for the configured driver ("mysql" or "sqlite").
// Slow queries and errors are logged through log; lookups that find nothing
// are not.
func Connect(driver, dsn string, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER=%q", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if gdb.Dialector.Name() == "sqlite" {
		// SQLite only supports one writer at a time
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return gdb, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&chat.Session{},
		&chat.Message{},
		&chat.Job{},
		&credits.Ledger{},
		&credits.Transaction{},
		&workspace.Project{},
		&workspace.Task{},
	)
}
