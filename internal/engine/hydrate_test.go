package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/segment"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

func TestHydrate_InlineAST(t *testing.T) {
	exec, backend := newFakeExec(), newMemBackend()
	ast := emailRoot(30)
	backend.setAI(testEvent, types.AIFilterState{
		Enabled:        true,
		SavedSegmentID: types.SegmentIDPtr("s1"),
		AST:            &ast,
		Title:          "Persisted",
	})
	e := newTestEngine(exec, backend)

	page := types.Pagination{Page: 0, Size: 50, OrderBy: "name", Order: types.OrderAsc}
	require.NoError(t, e.Hydrate(context.Background(), page))

	snap := e.Snapshot()
	assert.Equal(t, HydrationHydrated, snap.Hydration)
	assert.True(t, snap.UsingAI())
	require.NotNil(t, snap.LastAST)
	assert.Equal(t, ast, *snap.LastAST)
	assert.Equal(t, types.SegmentID("s1"), *snap.CurrentSavedID)
	assert.Equal(t, "Persisted", snap.AITitle())

	require.Len(t, exec.runs, 1)
	assert.Equal(t, ast, exec.runs[0].Root)
	assert.Equal(t, page, exec.runs[0].Pagination)
	assert.Zero(t, exec.count("list"))
}

func TestHydrate_ReferenceByID(t *testing.T) {
	exec, backend := newFakeExec(), newMemBackend()
	exec.saved = []types.SavedSegment{
		{ID: "s0", AST: emailRoot(1)},
		{ID: "s1", Title: "Volunteers", Prompt: "volunteers last year", AST: emailRoot(2)},
	}
	backend.setAI(testEvent, types.AIFilterState{Enabled: true, SavedSegmentID: types.SegmentIDPtr("s1")})
	e := newTestEngine(exec, backend)

	require.NoError(t, e.Hydrate(context.Background(), types.Pagination{}))

	snap := e.Snapshot()
	assert.True(t, snap.UsingAI())
	assert.Equal(t, types.SegmentID("s1"), *snap.CurrentSavedID)
	assert.Equal(t, "Volunteers", snap.AITitle())
	assert.Equal(t, "volunteers last year", snap.LastPrompt)
	require.Len(t, exec.runs, 1)
	assert.Equal(t, emailRoot(2), exec.runs[0].Root)
	assert.Equal(t, DefaultPagination(), exec.runs[0].Pagination)
}

func TestHydrate_Disabled(t *testing.T) {
	exec, backend := newFakeExec(), newMemBackend()
	ast := emailRoot(30)
	backend.setAI(testEvent, types.AIFilterState{Enabled: false, AST: &ast})
	e := newTestEngine(exec, backend)

	require.NoError(t, e.Hydrate(context.Background(), types.Pagination{}))
	assert.Equal(t, HydrationHydrated, e.Snapshot().Hydration)
	assert.False(t, e.Snapshot().UsingAI())
	assert.Zero(t, exec.count("run"))
}

func TestHydrate_FailuresStillComplete(t *testing.T) {
	tests := []struct {
		name    string
		ai      types.AIFilterState
		prepare func(*fakeExec)
		wantIs  error
	}{
		{
			name:    "missing saved segment",
			ai:      types.AIFilterState{Enabled: true, SavedSegmentID: types.SegmentIDPtr("gone")},
			prepare: func(*fakeExec) {},
			wantIs:  types.ErrNotFound,
		},
		{
			name:    "execution failure",
			ai:      types.AIFilterState{Enabled: true, AST: ptr(emailRoot(3))},
			prepare: func(f *fakeExec) { f.runErr = errBoom },
			wantIs:  errBoom,
		},
		{
			name:    "saved list failure",
			ai:      types.AIFilterState{Enabled: true, SavedSegmentID: types.SegmentIDPtr("s1")},
			prepare: func(f *fakeExec) { f.listErr = errBoom },
			wantIs:  errBoom,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, backend := newFakeExec(), newMemBackend()
			tt.prepare(exec)
			backend.setAI(testEvent, tt.ai)
			e := newTestEngine(exec, backend)

			err := e.Hydrate(context.Background(), types.Pagination{})
			require.ErrorIs(t, err, tt.wantIs)

			snap := e.Snapshot()
			assert.Equal(t, HydrationHydrated, snap.Hydration)
			assert.False(t, snap.UsingAI())

			// no automatic retry
			require.NoError(t, e.Hydrate(context.Background(), types.Pagination{}))
		})
	}
}

func TestHydrate_RunsOnceUnderConcurrency(t *testing.T) {
	exec, backend := newFakeExec(), newMemBackend()
	backend.setAI(testEvent, types.AIFilterState{Enabled: true, AST: ptr(emailRoot(4))})

	release := make(chan struct{})
	exec.runHook = func(_ context.Context, _ segment.Root, p types.Pagination) (types.SegmentResults, error) {
		<-release
		return pageResults(p), nil
	}
	e := newTestEngine(exec, backend)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Hydrate(context.Background(), types.Pagination{})
		}()
	}
	close(release)
	wg.Wait()

	assert.Equal(t, 1, exec.count("run"))
	assert.Equal(t, HydrationHydrated, e.Snapshot().Hydration)
}

func TestHydrate_UserApplyWins(t *testing.T) {
	exec, backend := newFakeExec(), newMemBackend()
	backend.setAI(testEvent, types.AIFilterState{Enabled: true, AST: ptr(emailRoot(4)), Title: "Stale"})

	started := make(chan struct{})
	release := make(chan struct{})
	exec.runHook = func(_ context.Context, _ segment.Root, p types.Pagination) (types.SegmentResults, error) {
		close(started)
		<-release
		return types.SegmentResults{Total: 1, Pagination: &p}, nil
	}
	e := newTestEngine(exec, backend)

	done := make(chan error, 1)
	go func() { done <- e.Hydrate(context.Background(), types.Pagination{}) }()

	<-started
	assert.Equal(t, HydrationHydrating, e.Snapshot().Hydration)
	fresh := types.SegmentResults{Total: 42}
	ast := emailRoot(8)
	require.NoError(t, e.Apply(context.Background(), ApplyInput{Results: &fresh, AST: &ast, Title: ptr("Fresh")}))

	close(release)
	require.NoError(t, <-done)

	snap := e.Snapshot()
	assert.Equal(t, HydrationHydrated, snap.Hydration)
	assert.Equal(t, 42, snap.Results.Total)
	assert.Equal(t, "Fresh", snap.AITitle())
	assert.Equal(t, ast, *snap.LastAST)
}

func TestHydrate_UserClearWins(t *testing.T) {
	exec, backend := newFakeExec(), newMemBackend()
	backend.setAI(testEvent, types.AIFilterState{Enabled: true, AST: ptr(emailRoot(4)), Title: "Stale"})

	started := make(chan struct{})
	release := make(chan struct{})
	exec.runHook = func(_ context.Context, _ segment.Root, p types.Pagination) (types.SegmentResults, error) {
		close(started)
		<-release
		return pageResults(p), nil
	}
	e := newTestEngine(exec, backend)

	done := make(chan error, 1)
	go func() { done <- e.Hydrate(context.Background(), types.Pagination{}) }()

	<-started
	require.NoError(t, e.Clear(context.Background()))

	close(release)
	require.NoError(t, <-done)

	snap := e.Snapshot()
	assert.Equal(t, HydrationHydrated, snap.Hydration)
	assert.False(t, snap.UsingAI())
	assert.False(t, snap.HasActiveAI())
	assert.Equal(t, types.ClearedAIState(), backend.ai(testEvent))
}

func TestHydrate_NewEventDiscardsOldRun(t *testing.T) {
	exec, backend := newFakeExec(), newMemBackend()
	backend.setAI(testEvent, types.AIFilterState{Enabled: true, AST: ptr(emailRoot(4))})

	started := make(chan struct{})
	release := make(chan struct{})
	exec.runHook = func(_ context.Context, _ segment.Root, p types.Pagination) (types.SegmentResults, error) {
		close(started)
		<-release
		return pageResults(p), nil
	}
	e := newTestEngine(exec, backend)

	done := make(chan error, 1)
	go func() { done <- e.Hydrate(context.Background(), types.Pagination{}) }()
	<-started
	e.SetEvent("ev2")
	close(release)
	require.NoError(t, <-done)

	snap := e.Snapshot()
	assert.Equal(t, types.EventID("ev2"), snap.EventID)
	assert.Equal(t, HydrationUninitialized, snap.Hydration)
	assert.False(t, snap.UsingAI())
}
