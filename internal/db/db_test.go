package db

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/suPer8Hu/ai-workspace/internal/models"
)

func TestConnectAndMigrate_SQLite(t *testing.T) {
	gdb, err := Connect("sqlite", ":memory:", nil)
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Migrate(gdb))

	for _, table := range []string{"users", "chat_sessions", "chat_messages", "chat_jobs", "credit_ledgers", "credit_transactions", "projects", "tasks"} {
		assert.True(t, gdb.Migrator().HasTable(table), "missing table %s", table)
	}
}

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := Connect("oracle", "whatever", nil)
	require.Error(t, err)
}

func TestConnect_LogsThroughZapWithoutNotFound(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	gdb, err := Connect("sqlite", ":memory:", zap.New(core))
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, Migrate(gdb))
	logs.TakeAll()

	var u models.User
	err = gdb.First(&u, "id = ?", 42).Error
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
	assert.Equal(t, 0, logs.Len())

	require.Error(t, gdb.Table("no_such_table").First(&u).Error)
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}
