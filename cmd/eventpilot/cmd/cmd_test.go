package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/client"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/core/api"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/core/db"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/engine"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/generate"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/segment"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

type stubUpstream struct {
	mu   sync.Mutex
	runs int
}

func (s *stubUpstream) RunSegment(_ context.Context, _ types.EventID, _ segment.Root, opts client.RunOptions) (types.SegmentResults, error) {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	return types.SegmentResults{
		CRMPersons: []types.Row{types.Row(`{"id":"p1","name":"Ada"}`)},
		Total:      1,
		Pagination: opts.Pagination,
	}, nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(context.Context, generate.Request) (segment.Root, error) {
	return segment.Root{Filter: segment.GroupNode{Op: segment.OpAnd, Conditions: []segment.Node{
		segment.InvolvementNode{Role: segment.RoleVolunteer, Iteration: segment.PreviousIteration{}, Exists: true},
	}}}, nil
}

func (stubGenerator) SuggestTitle(context.Context, string, segment.Root) (string, error) {
	return "Suggested", nil
}

func startGateway(t *testing.T) {
	t.Helper()
	conn, err := db.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "cli.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_, err = db.MigrateUp(context.Background(), conn, nil)
	require.NoError(t, err)
	q, err := db.LoadQueries(conn)
	require.NoError(t, err)

	svc, err := api.NewService(db.NewRepository(q), api.Options{
		Upstream:  &stubUpstream{},
		Generator: stubGenerator{},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(svc.Routes())
	t.Cleanup(srv.Close)
	t.Setenv("EP_CLIENT_BASE_URL", srv.URL)
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetArgs(append(args, "--log-level", "error"))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	err := rootCmd.Execute()
	return out.String(), err
}

func decodeState(t *testing.T, out string) stateView {
	t.Helper()
	var v stateView
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestSegmentCommands_EndToEnd(t *testing.T) {
	startGateway(t)

	out, err := execute(t, "", "segment", "generate", "returning", "volunteers", "--title", "Runners", "--event", "evt-1", "-o", "json")
	require.NoError(t, err)
	state := decodeState(t, out)
	assert.True(t, state.UsingAI)
	assert.Equal(t, "Runners", state.Title)
	assert.Equal(t, "returning volunteers", state.LastPrompt)
	assert.Equal(t, 1, state.Total)
	assert.NotEmpty(t, state.CurrentSavedID)
	require.Len(t, state.Rows, 1)

	out, err = execute(t, "", "segment", "list", "--event", "evt-1", "-o", "json")
	require.NoError(t, err)
	var saved []savedView
	require.NoError(t, json.Unmarshal([]byte(out), &saved), out)
	require.Len(t, saved, 1)
	assert.Equal(t, "Runners", saved[0].Title)
	assert.Equal(t, state.CurrentSavedID, saved[0].ID)

	out, err = execute(t, "", "segment", "hydrate", "--event", "evt-1", "-o", "json")
	require.NoError(t, err)
	state = decodeState(t, out)
	assert.Equal(t, "hydrated", state.Hydration)
	assert.True(t, state.UsingAI)
	assert.Equal(t, "Runners", state.Title)

	out, err = execute(t, "", "segment", "clear", "--event", "evt-1", "-o", "json")
	require.NoError(t, err)
	assert.False(t, decodeState(t, out).UsingAI)

	out, err = execute(t, "", "segment", "hydrate", "--event", "evt-1", "-o", "json")
	require.NoError(t, err)
	state = decodeState(t, out)
	assert.False(t, state.UsingAI)
	assert.Empty(t, state.Title)
}

func TestSegmentCommands_RequireEvent(t *testing.T) {
	startGateway(t)
	_, err := execute(t, "", "segment", "list", "--event", " ")
	require.Error(t, err)
}

func TestLineSurface(t *testing.T) {
	ctx := context.Background()

	t.Run("prompt and blank title", func(t *testing.T) {
		s := newLineSurface(strings.NewReader("young runners\n\n"), io.Discard)
		temp := float32(0.4)
		s.defaults = engine.PromptResult{Temperature: &temp, IncludeContext: true}
		res, err := s.Collect(ctx, engine.PromptRequest{Mode: engine.PromptGenerate})
		require.NoError(t, err)
		assert.Equal(t, "young runners", res.Prompt)
		assert.Empty(t, res.Title)
		assert.True(t, res.IncludeContext)
		require.NotNil(t, res.Temperature)
		assert.Equal(t, temp, *res.Temperature)
	})

	t.Run("empty answers keep prefilled values", func(t *testing.T) {
		s := newLineSurface(strings.NewReader("\nRenamed"), io.Discard)
		res, err := s.Collect(ctx, engine.PromptRequest{Mode: engine.PromptRefine, Prompt: "old prompt", Title: "Old"})
		require.NoError(t, err)
		assert.Equal(t, "old prompt", res.Prompt)
		assert.Equal(t, "Renamed", res.Title)
	})

	t.Run("end of input cancels", func(t *testing.T) {
		s := newLineSurface(strings.NewReader(""), io.Discard)
		_, err := s.Collect(ctx, engine.PromptRequest{})
		require.ErrorIs(t, err, types.ErrPromptCancelled)
	})

	t.Run("prompt only keeps title", func(t *testing.T) {
		s := newLineSurface(strings.NewReader("donors\n"), io.Discard)
		res, err := s.Collect(ctx, engine.PromptRequest{Title: "Kept"})
		require.NoError(t, err)
		assert.Equal(t, "donors", res.Prompt)
		assert.Equal(t, "Kept", res.Title)
	})
}

func TestRender(t *testing.T) {
	rows := decodeRows([]types.Row{types.Row(`{"id":"p1"}`), types.Row(`not json`)})
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]any{"id": "p1"}, rows[0])
	assert.Equal(t, "not json", rows[1])

	var buf bytes.Buffer
	require.NoError(t, render(&buf, "yaml", tableView{TotalRows: 1, Rows: rows[:1]}))
	assert.Contains(t, buf.String(), "totalRows: 1")
	assert.Contains(t, buf.String(), "id: p1")

	buf.Reset()
	require.NoError(t, render(&buf, "json", tableView{Rows: []any{}}))
	assert.Contains(t, buf.String(), `"rows": []`)

	require.Error(t, render(&buf, "xml", nil))
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("debug", "console")
	require.NoError(t, err)
	_, err = newLogger("loud", "json")
	require.Error(t, err)
	_, err = newLogger("info", "xml")
	require.Error(t, err)
}

func TestPromptFlagsRejectsTemperature(t *testing.T) {
	require.NoError(t, segmentGenerateCmd.Flags().Set("temperature", "3"))
	t.Cleanup(func() {
		_ = segmentGenerateCmd.Flags().Set("temperature", "0")
		segmentGenerateCmd.Flags().Lookup("temperature").Changed = false
	})
	_, err := promptFlags(segmentGenerateCmd)
	require.Error(t, err)
}
