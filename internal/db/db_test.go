package db

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stepbridge/internal/geom"
	"github.com/banshee-data/stepbridge/internal/relay"
	"github.com/banshee-data/stepbridge/internal/testutil"
	"github.com/banshee-data/stepbridge/internal/timeutil"
	"github.com/banshee-data/stepbridge/internal/wire"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	testutil.MuteLogs(t)

	db, err := NewDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var synchronous int
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous, "synchronous should be NORMAL")

	var tempStore int
	require.NoError(t, db.QueryRow("PRAGMA temp_store").Scan(&tempStore))
	assert.Equal(t, 2, tempStore, "temp_store should be MEMORY")

	var foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)
}

func TestMigrationsReachLatestVersion(t *testing.T) {
	db := newTestDB(t)

	latest, err := LatestMigrationVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)

	version, dirty, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, latest, version)
	assert.False(t, dirty)

	// running again is a no-op
	require.NoError(t, db.MigrateUp(MigrationsFS()))
}

func TestMigrateDownAndUp(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.MigrateDown(MigrationsFS()))
	version, _, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	_, err = db.Exec("SELECT ended_at FROM sessions")
	assert.Error(t, err, "ended_at should be gone after rolling back")

	require.NoError(t, db.MigrateUp(MigrationsFS()))
	version, _, err = db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestOpenDBLeavesSchemaAlone(t *testing.T) {
	testutil.MuteLogs(t)

	db, err := OpenDB(filepath.Join(t.TempDir(), "bare.db"))
	require.NoError(t, err)
	defer db.Close()

	version, dirty, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)
}

func TestLatestMigrationVersionEmpty(t *testing.T) {
	_, err := LatestMigrationVersion(fstest.MapFS{})
	assert.Error(t, err)
}

func TestReopenKeepsData(t *testing.T) {
	testutil.MuteLogs(t)
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	db, err := NewDB(path)
	require.NoError(t, err)
	j, err := db.StartSession(ctx, relay.Config{Timestep: 100 * time.Millisecond}, "", time.Unix(100, 0))
	require.NoError(t, err)
	require.NoError(t, j.RecordStep(ctx, relay.StepRecord{Index: 0, Reply: "0", RecordedAt: time.Unix(100, 0)}))
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()
	n, err := db.StepCount(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, path, db.Path())
}

func TestAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	j, err := db.StartSession(ctx, relay.Config{Timestep: 100 * time.Millisecond}, "127.0.0.1:5000", time.Now())
	require.NoError(t, err)
	require.NoError(t, j.RecordStep(ctx, relay.StepRecord{
		Packet:     wire.StepPacket{Time: timeutil.Timestamp{}, Position: geom.Vector3{X: 1}},
		Reply:      "0",
		RecordedAt: time.Now(),
	}))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	t.Run("backup", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
		req.RemoteAddr = "127.0.0.1:1234"
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
		assert.Contains(t, w.Header().Get("Content-Disposition"), "stepbridge-backup-")

		zr, err := gzip.NewReader(w.Body)
		require.NoError(t, err)
		data, err := io.ReadAll(zr)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(data), 16)
		assert.Equal(t, "SQLite format 3\x00", string(data[:16]))
	})

	t.Run("tailsql", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug/tailsql/", nil)
		req.RemoteAddr = "127.0.0.1:1234"
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		assert.NotEqual(t, http.StatusNotFound, w.Code)
	})
}
