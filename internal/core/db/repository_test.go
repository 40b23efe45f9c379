package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/segment"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	conn, err := Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	conn := openTestDB(t)
	_, err := MigrateUp(context.Background(), conn, nil)
	require.NoError(t, err)
	q, err := LoadQueries(conn)
	require.NoError(t, err)
	return NewRepository(q)
}

func TestOpen_RejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "mysql://localhost/db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestDataSource(t *testing.T) {
	tests := []struct {
		url        string
		wantDriver string
		wantDSN    string
		wantErr    bool
	}{
		{url: "sqlite://segments.db", wantDriver: "sqlite3", wantDSN: "segments.db?_busy_timeout=5000"},
		{url: "sqlite:///var/lib/ep/segments.db", wantDriver: "sqlite3", wantDSN: "/var/lib/ep/segments.db?_busy_timeout=5000"},
		{url: "postgresql://u:p@db/ep", wantDriver: "postgres", wantDSN: "postgresql://u:p@db/ep"},
		{url: "sqlite://", wantErr: true},
		{url: "mysql://localhost/db", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			driver, dsn, err := dataSource(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDriver, driver)
			assert.Equal(t, tt.wantDSN, dsn)
		})
	}
}

func TestMigrateUp_IdempotentWithStatus(t *testing.T) {
	conn := openTestDB(t)

	status, err := MigrateStatus(context.Background(), conn)
	require.NoError(t, err)
	require.NotEmpty(t, status)
	for _, s := range status {
		assert.False(t, s.Applied, s.Version)
	}

	applied, err := MigrateUp(context.Background(), conn, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_initial_schema.sql"}, applied)

	applied, err = MigrateUp(context.Background(), conn, nil)
	require.NoError(t, err)
	assert.Empty(t, applied)

	status, err = MigrateStatus(context.Background(), conn)
	require.NoError(t, err)
	for _, s := range status {
		assert.True(t, s.Applied, s.Version)
		require.NotNil(t, s.AppliedAt)
	}
}

func TestMigrateUp_ChecksumMismatch(t *testing.T) {
	conn := openTestDB(t)
	_, err := MigrateUp(context.Background(), conn, nil)
	require.NoError(t, err)

	_, err = conn.Exec("UPDATE schema_migrations SET checksum = 'tampered'")
	require.NoError(t, err)

	_, err = MigrateUp(context.Background(), conn, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("-- leading comment\nCREATE TABLE a (x INT);\n\n-- between\nCREATE INDEX i ON a (x);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a (x)"}, got)
}

func TestFilterConfig_DefaultAndPerKeyMerge(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	cfg, err := repo.GetFilterConfig(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultFilterConfig(), cfg)

	manual := types.ManualFilterState{
		Search:  "smith",
		Filters: []types.MinimalFilter{{Label: "Email", Operation: "contains", Value: "@example.com"}},
	}
	cfg, err = repo.PutFilterConfig(ctx, "evt-1", types.FilterConfigPatch{Manual: &manual})
	require.NoError(t, err)
	assert.Equal(t, "smith", cfg.Manual.Search)
	assert.False(t, cfg.AI.Enabled)

	id := types.NewSegmentID()
	root := segment.Root{Filter: segment.EmailNode{Direction: segment.DirectionEither, WithinDays: 30, Exists: true}}
	ai := types.AIFilterState{Enabled: true, SavedSegmentID: &id, AST: &root, Title: "Recent email"}
	cfg, err = repo.PutFilterConfig(ctx, "evt-1", types.FilterConfigPatch{AI: &ai})
	require.NoError(t, err)

	// the AI write leaves the manual key alone
	assert.Equal(t, manual, cfg.Manual)
	assert.True(t, cfg.AI.Enabled)
	require.NotNil(t, cfg.AI.SavedSegmentID)
	assert.Equal(t, id, *cfg.AI.SavedSegmentID)
	require.NotNil(t, cfg.AI.AST)
	assert.Equal(t, root, *cfg.AI.AST)

	cleared := types.ClearedAIState()
	cfg, err = repo.PutFilterConfig(ctx, "evt-1", types.FilterConfigPatch{AI: &cleared})
	require.NoError(t, err)
	assert.Equal(t, cleared, cfg.AI)
	assert.Equal(t, manual, cfg.Manual)

	other, err := repo.GetFilterConfig(ctx, "evt-2")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultFilterConfig(), other)
}

func TestSavedSegments_Lifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return clock }

	root := segment.Root{Filter: segment.InvolvementNode{Role: segment.RoleVolunteer, Iteration: segment.PreviousIteration{}, Exists: true}}
	first, err := repo.CreateSavedSegment(ctx, "evt-1", types.NewSavedSegment{Title: "Returning volunteers", Prompt: "volunteers from last year", AST: root})
	require.NoError(t, err)
	assert.Equal(t, clock, first.CreatedAt)
	assert.Nil(t, first.LastUsed)

	clock = clock.Add(time.Hour)
	second, err := repo.CreateSavedSegment(ctx, "evt-1", types.NewSavedSegment{Title: "Second", AST: segment.Root{Filter: segment.EmptyGroup()}})
	require.NoError(t, err)

	_, err = repo.CreateSavedSegment(ctx, "evt-2", types.NewSavedSegment{Title: "Elsewhere", AST: root})
	require.NoError(t, err)

	list, err := repo.ListSavedSegments(ctx, "evt-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)

	got, err := repo.GetSavedSegment(ctx, "evt-1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, root, got.AST)
	assert.Equal(t, "volunteers from last year", got.Prompt)

	used := clock.Add(time.Minute)
	fav := true
	title := "Volunteers, returning"
	updated, err := repo.UpdateSavedSegment(ctx, "evt-1", first.ID, types.SavedSegmentPatch{Title: &title, Favorite: &fav, LastUsed: &used})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.True(t, updated.Favorite)
	require.NotNil(t, updated.LastUsed)
	assert.Equal(t, used, *updated.LastUsed)

	list, err = repo.ListSavedSegments(ctx, "evt-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID, "favorites sort first")
	assert.Equal(t, title, list[0].Title)
	require.NotNil(t, list[0].LastUsed)
	assert.True(t, used.Equal(*list[0].LastUsed))
}

func TestSavedSegments_NotFound(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	created, err := repo.CreateSavedSegment(ctx, "evt-1", types.NewSavedSegment{Title: "x", AST: segment.Root{Filter: segment.EmptyGroup()}})
	require.NoError(t, err)

	tests := []struct {
		name    string
		eventID types.EventID
		id      types.SegmentID
	}{
		{"unknown id", "evt-1", types.NewSegmentID()},
		{"malformed id", "evt-1", "not-a-uuid"},
		{"other event", "evt-2", created.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo.GetSavedSegment(ctx, tt.eventID, tt.id)
			require.ErrorIs(t, err, types.ErrNotFound)

			title := "y"
			_, err = repo.UpdateSavedSegment(ctx, tt.eventID, tt.id, types.SavedSegmentPatch{Title: &title})
			var nf *types.NotFoundError
			require.True(t, errors.As(err, &nf))
			assert.Equal(t, string(tt.id), nf.ID)
		})
	}
}
