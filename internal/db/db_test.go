package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gaiola-hub-backend/config"
	"gaiola-hub-backend/internal/model"
)

func TestInit_SQLiteMigrates(t *testing.T) {
	gormDB, err := Init(&config.DatabaseConfig{Driver: config.DriverSQLite, DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)

	for _, table := range []any{&model.Slot{}, &model.Driver{}, &model.DelayRequest{}, &model.PushSubscription{}} {
		assert.True(t, gormDB.Migrator().HasTable(table))
	}
	assert.True(t, gormDB.Migrator().HasIndex(&model.Driver{}, "Code"))
}

func TestInit_RejectsMemoryDriver(t *testing.T) {
	_, err := Init(&config.DatabaseConfig{Driver: config.DriverMemory}, zap.NewNop())
	assert.Error(t, err)
}
