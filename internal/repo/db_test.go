package repo

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/autofix-backend/internal/config"
	"github.com/tbourn/autofix-backend/internal/domain"
)

func TestOpenSQLite_MissingDirectory(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "no-such-dir", "autofix.db")
	db, err := OpenSQLite(bad)
	require.Error(t, err)
	assert.Nil(t, db)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestOpenSQLite_PragmasAndPool(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "autofix.db"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	cases := []struct {
		pragma string
		want   string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"foreign_keys", "1"},
		{"busy_timeout", "5000"},
	}
	for _, tc := range cases {
		var got string
		require.NoError(t, db.Raw("PRAGMA "+tc.pragma).Row().Scan(&got), tc.pragma)
		assert.Equal(t, tc.want, strings.ToLower(got), tc.pragma)
	}
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestOpen_MigratesSagaSchema(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "autofix.db")}, true)
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, m := range Models() {
		assert.True(t, db.Migrator().HasTable(m), "missing table for %T", m)
	}

	ctx := context.Background()
	v := &domain.Vehicle{UserID: "u1", VIN: "1HGCM82633A004352", Make: "Honda", Model: "Accord", Year: 2019}
	require.NoError(t, CreateVehicle(ctx, db, v))
	inc := &domain.Incident{VehicleID: v.ID, UserID: "u1"}
	require.NoError(t, CreateIncident(ctx, db, inc))

	got, err := GetIncident(ctx, db, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentOpen, got.State)
	assert.NotNil(t, got.ActiveVehicleID, "open incidents hold the per-vehicle slot")
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"}, false)
	assert.ErrorContains(t, err, "oracle")
}
