package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cozy-insight/composer/internal/composition"
	"github.com/cozy-insight/composer/internal/layout"
	"github.com/cozy-insight/composer/internal/render"
)

func testSnapshot(dashboardID string) composition.Snapshot {
	return composition.Snapshot{
		Version:     composition.SnapshotVersion,
		DashboardID: dashboardID,
		ChartID:     "chart-1",
		Config: render.RenderConfig{
			ChartType: "bar",
			DatasetID: "sales",
			Slots:     []render.SlotConfig{},
			Style:     render.Style{Title: "Revenue"},
		},
		Layout: layout.State{
			Config: layout.DefaultConfig(),
			Items:  []layout.Item{{ID: "w1", W: 4, H: 4, Kind: layout.KindChart, Payload: layout.Payload{ChartID: "chart-1"}}},
		},
	}
}

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite3", ":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sameSnapshot(t *testing.T, want, got composition.Snapshot) {
	t.Helper()
	w, err := want.Marshal()
	require.NoError(t, err)
	g, err := got.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, string(w), string(g))
}

func TestStore_SQLite(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	_, err := s.Load(ctx, "d1")
	assert.ErrorIs(t, err, ErrNotFound)

	snap := testSnapshot("d1")
	require.NoError(t, s.Save(ctx, snap))
	got, err := s.Load(ctx, "d1")
	require.NoError(t, err)
	sameSnapshot(t, snap, got)

	// save replaces
	snap.Config.Style.Title = "Units"
	require.NoError(t, s.Save(ctx, snap))
	got, err = s.Load(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "Units", got.Config.Style.Title)

	assert.ErrorIs(t, s.Create(ctx, snap), ErrExists)
	require.NoError(t, s.Create(ctx, testSnapshot("d2")))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	ids := []string{list[0].DashboardID, list[1].DashboardID}
	assert.ElementsMatch(t, []string{"d1", "d2"}, ids)
	assert.Equal(t, "chart-1", list[0].ChartID)
	assert.False(t, list[0].UpdatedAt.IsZero())

	require.NoError(t, s.Delete(ctx, "d1"))
	assert.ErrorIs(t, s.Delete(ctx, "d1"), ErrNotFound)

	assert.Error(t, s.Save(ctx, testSnapshot("")), "dashboard id is required")
}

func TestStore_TableCreatedOnce(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	cfg := DefaultConfig(db)
	cfg.Table = "snapshots"
	_, err = New(context.Background(), cfg)
	require.NoError(t, err)
	_, err = New(context.Background(), cfg)
	require.NoError(t, err)

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='snapshots'").Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "snapshots", name)
}

func TestStore_Rejects(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, "mysql", "", "")
	assert.Error(t, err)

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	_, err = New(ctx, Config{DB: db, Table: "snapshots; DROP TABLE users"})
	assert.Error(t, err)
	_, err = New(ctx, Config{})
	assert.Error(t, err)
}

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS dashboard_snapshots").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := New(context.Background(), DefaultConfig(db))
	require.NoError(t, err)
	return s, mock
}

func TestStore_ErrorPaths(t *testing.T) {
	ctx := context.Background()

	t.Run("create table fails", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
		_, err = New(ctx, DefaultConfig(db))
		assert.ErrorContains(t, err, "permission denied")
	})

	t.Run("save fails", func(t *testing.T) {
		s, mock := mockStore(t)
		mock.ExpectExec("INSERT INTO dashboard_snapshots").WillReturnError(errors.New("disk full"))
		err := s.Save(ctx, testSnapshot("d1"))
		assert.ErrorContains(t, err, "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	conflicts := []struct {
		name string
		err  error
	}{
		{"lib/pq", &pq.Error{Code: "23505"}},
		{"pgx", &pgconn.PgError{Code: "23505"}},
	}
	for _, tt := range conflicts {
		t.Run("create conflict "+tt.name, func(t *testing.T) {
			s, mock := mockStore(t)
			mock.ExpectExec("INSERT INTO dashboard_snapshots").WillReturnError(tt.err)
			assert.ErrorIs(t, s.Create(ctx, testSnapshot("d1")), ErrExists)
		})
	}

	t.Run("create other error", func(t *testing.T) {
		s, mock := mockStore(t)
		mock.ExpectExec("INSERT INTO dashboard_snapshots").WillReturnError(&pq.Error{Code: "42P01"})
		err := s.Create(ctx, testSnapshot("d1"))
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrExists)
	})

	t.Run("load corrupt document", func(t *testing.T) {
		s, mock := mockStore(t)
		mock.ExpectQuery("SELECT document FROM dashboard_snapshots").
			WithArgs("d1").
			WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(`{"version":`))
		_, err := s.Load(ctx, "d1")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("load newer version", func(t *testing.T) {
		s, mock := mockStore(t)
		mock.ExpectQuery("SELECT document FROM dashboard_snapshots").
			WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(`{"version":42}`))
		_, err := s.Load(ctx, "d1")
		assert.Error(t, err)
	})

	t.Run("delete fails", func(t *testing.T) {
		s, mock := mockStore(t)
		mock.ExpectExec("DELETE FROM dashboard_snapshots").WillReturnError(errors.New("locked"))
		assert.ErrorContains(t, s.Delete(ctx, "d1"), "locked")
	})

	t.Run("list fails", func(t *testing.T) {
		s, mock := mockStore(t)
		mock.ExpectQuery("SELECT dashboard_id").WillReturnError(errors.New("timeout"))
		_, err := s.List(ctx)
		assert.ErrorContains(t, err, "timeout")
	})
}
