package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/client"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/core/auth"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/core/db"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/generate"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/segment"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

const eventID types.EventID = "evt-42"

type fakeUpstream struct {
	mu    sync.Mutex
	roots []segment.Root
	opts  []client.RunOptions
	err   error
}

func (f *fakeUpstream) RunSegment(_ context.Context, _ types.EventID, root segment.Root, opts client.RunOptions) (types.SegmentResults, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roots = append(f.roots, root)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return types.SegmentResults{}, f.err
	}
	return types.SegmentResults{
		CRMPersons: []types.Row{types.Row(`{"id":"p1"}`)},
		Total:      1,
		Pagination: opts.Pagination,
	}, nil
}

func (f *fakeUpstream) calls() ([]segment.Root, []client.RunOptions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]segment.Root(nil), f.roots...), append([]client.RunOptions(nil), f.opts...)
}

type fakeGenerator struct {
	mu       sync.Mutex
	root     segment.Root
	err      error
	title    string
	titleErr error
	lastReq  generate.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req generate.Request) (segment.Root, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	return f.root, f.err
}

func (f *fakeGenerator) last() generate.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

func (f *fakeGenerator) SuggestTitle(context.Context, string, segment.Root) (string, error) {
	return f.title, f.titleErr
}

type harness struct {
	srv      *httptest.Server
	client   *client.Client
	upstream *fakeUpstream
	repo     *db.Repository
}

func newHarness(t *testing.T, gen Generator, withUpstream bool) *harness {
	t.Helper()
	conn, err := db.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_, err = db.MigrateUp(context.Background(), conn, nil)
	require.NoError(t, err)
	q, err := db.LoadQueries(conn)
	require.NoError(t, err)
	repo := db.NewRepository(q)

	h := &harness{repo: repo}
	opts := Options{
		Generator:    gen,
		MaxBodyBytes: 4096,
		Now:          func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) },
	}
	if withUpstream {
		h.upstream = &fakeUpstream{}
		opts.Upstream = h.upstream
	}
	svc, err := NewService(repo, opts)
	require.NoError(t, err)

	h.srv = httptest.NewServer(svc.Routes())
	t.Cleanup(h.srv.Close)
	h.client = client.New(h.srv.URL)
	return h
}

func (h *harness) post(t *testing.T, path, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(h.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw)
}

func volunteers() segment.Root {
	return segment.Root{Filter: segment.GroupNode{Op: segment.OpAnd, Conditions: []segment.Node{
		segment.InvolvementNode{Role: segment.RoleVolunteer, Iteration: segment.PreviousIteration{}, Exists: true},
	}}}
}

func TestNewService_RequiresRepo(t *testing.T) {
	_, err := NewService(nil, Options{})
	require.Error(t, err)
}

func TestFilterConfig_RoundTripThroughClient(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	cfg, err := h.client.GetFilterConfig(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultFilterConfig(), cfg)

	manual := types.ManualFilterState{Search: "ann", Filters: []types.MinimalFilter{{Label: "Tier", Operation: "eq", Value: "Gold"}}}
	_, err = h.client.PutFilterConfig(ctx, eventID, types.FilterConfigPatch{Manual: &manual})
	require.NoError(t, err)

	root := volunteers()
	ai := types.AIFilterState{Enabled: true, AST: &root, Title: "Returning"}
	cfg, err = h.client.PutFilterConfig(ctx, eventID, types.FilterConfigPatch{AI: &ai})
	require.NoError(t, err)
	assert.Equal(t, manual, cfg.Manual)
	assert.Equal(t, "Returning", cfg.AI.Title)
	require.NotNil(t, cfg.AI.AST)
	assert.Equal(t, root, *cfg.AI.AST)
}

func TestFilterConfig_Rejections(t *testing.T) {
	h := newHarness(t, nil, false)
	put := func(body string) int {
		req, err := http.NewRequest(http.MethodPut, h.srv.URL+"/events/evt-42/crm/filter-config", strings.NewReader(body))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusBadRequest, put(`{"manual":`))
	assert.Equal(t, http.StatusBadRequest, put(`{"bogus":true}`))
	assert.Equal(t, http.StatusBadRequest, put(`{"manual":{"search":"`+strings.Repeat("x", 5000)+`"}}`), "over body limit")
	assert.Equal(t, http.StatusUnprocessableEntity, put(`{"manual":{"search":"","filters":[{"label":"","operation":"eq","value":1}]}}`))
	assert.Equal(t, http.StatusUnprocessableEntity, put(`{"ai":{"enabled":true,"savedSegmentId":"nope","ast":null,"title":""}}`))
	assert.Equal(t, http.StatusUnprocessableEntity, put(`{"ai":{"enabled":true,"savedSegmentId":null,"ast":{"filter":{"type":"email","withinDays":99999}},"title":""}}`))
}

func TestSavedSegments_Lifecycle(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	created, err := h.client.CreateSavedSegment(ctx, eventID, types.NewSavedSegment{Title: "  Returning volunteers ", Prompt: "volunteers from last time", AST: volunteers()})
	require.NoError(t, err)
	assert.Equal(t, "Returning volunteers", created.Title)
	assert.Equal(t, eventID, created.EventID)

	list, err := h.client.ListSavedSegments(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, volunteers(), list[0].AST)

	title := "Renamed"
	fav := true
	updated, err := h.client.UpdateSavedSegment(ctx, eventID, created.ID, types.SavedSegmentPatch{Title: &title, Favorite: &fav})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)
	assert.True(t, updated.Favorite)

	_, err = h.client.UpdateSavedSegment(ctx, eventID, types.NewSegmentID(), types.SavedSegmentPatch{Title: &title})
	var reqErr *types.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusNotFound, reqErr.StatusCode)

	other, err := h.client.ListSavedSegments(ctx, "evt-other")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSuggestTitle(t *testing.T) {
	t.Run("model title", func(t *testing.T) {
		h := newHarness(t, &fakeGenerator{title: "Returning Volunteers"}, false)
		title, err := h.client.SuggestTitle(context.Background(), eventID, "volunteers", volunteers())
		require.NoError(t, err)
		assert.Equal(t, "Returning Volunteers", title)
	})
	t.Run("model failure falls back", func(t *testing.T) {
		h := newHarness(t, &fakeGenerator{titleErr: errors.New("quota")}, false)
		title, err := h.client.SuggestTitle(context.Background(), eventID, "volunteers", volunteers())
		require.NoError(t, err)
		assert.Equal(t, segment.Describe(volunteers()), title)
	})
	t.Run("no model falls back", func(t *testing.T) {
		h := newHarness(t, nil, false)
		title, err := h.client.SuggestTitle(context.Background(), eventID, "", volunteers())
		require.NoError(t, err)
		assert.NotEmpty(t, title)
	})
}

func TestRunSegment_SanitizesAndForwards(t *testing.T) {
	h := newHarness(t, nil, true)

	status, body := h.post(t, "/events/evt-42/crm/segments",
		`{"filter":{"type":"transition","from":{"type":"involvement","role":"volunteer","exists":false,"junk":1},"to":{"type":"upsell"}},"pagination":{"page":2,"size":10}}`)
	require.Equal(t, http.StatusOK, status, body)

	var results types.SegmentResults
	require.NoError(t, json.Unmarshal([]byte(body), &results))
	assert.Equal(t, 1, results.Total)
	require.NotNil(t, results.Pagination)
	assert.Equal(t, 2, results.Pagination.Page)

	roots, _ := h.upstream.calls()
	require.Len(t, roots, 1)
	tr, ok := roots[0].Filter.(segment.TransitionNode)
	require.True(t, ok)
	assert.True(t, tr.From.Exists)
	assert.True(t, tr.To.Exists)
	assert.Equal(t, segment.RoleVolunteer, tr.From.Role)
}

func TestRunSegment_DefaultsPagination(t *testing.T) {
	h := newHarness(t, nil, true)
	results, err := h.client.RunSegment(context.Background(), eventID, volunteers(), client.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, results.Total)
	_, opts := h.upstream.calls()
	require.Len(t, opts, 1)
	require.NotNil(t, opts[0].Pagination)
	assert.Equal(t, types.DefaultPageSize, opts[0].Pagination.Size)
}

func TestRunSegment_Errors(t *testing.T) {
	t.Run("over limits", func(t *testing.T) {
		h := newHarness(t, nil, true)
		status, body := h.post(t, "/events/evt-42/crm/segments", `{"filter":{"type":"email","withinDays":99999}}`)
		assert.Equal(t, http.StatusUnprocessableEntity, status)
		assert.Contains(t, body, `"message"`)
		roots, _ := h.upstream.calls()
		assert.Empty(t, roots)
	})
	t.Run("bad pagination", func(t *testing.T) {
		h := newHarness(t, nil, true)
		status, _ := h.post(t, "/events/evt-42/crm/segments", `{"filter":{"type":"group"},"pagination":{"page":0,"size":501}}`)
		assert.Equal(t, http.StatusUnprocessableEntity, status)
	})
	t.Run("no upstream", func(t *testing.T) {
		h := newHarness(t, nil, false)
		_, err := h.client.RunSegment(context.Background(), eventID, volunteers(), client.RunOptions{})
		var reqErr *types.RequestError
		require.True(t, errors.As(err, &reqErr))
		assert.Equal(t, http.StatusServiceUnavailable, reqErr.StatusCode)
	})
	t.Run("upstream failure", func(t *testing.T) {
		h := newHarness(t, nil, true)
		h.upstream.mu.Lock()
		h.upstream.err = &types.RequestError{Op: "run segment", StatusCode: http.StatusInternalServerError, Message: "query engine down"}
		h.upstream.mu.Unlock()
		_, err := h.client.RunSegment(context.Background(), eventID, volunteers(), client.RunOptions{})
		var reqErr *types.RequestError
		require.True(t, errors.As(err, &reqErr))
		assert.Equal(t, http.StatusBadGateway, reqErr.StatusCode)
		assert.Equal(t, "query engine down", reqErr.Message)
	})
}

func TestGenerateSegment(t *testing.T) {
	gen := &fakeGenerator{root: volunteers()}
	h := newHarness(t, gen, true)
	ctx := context.Background()

	_, err := h.client.CreateSavedSegment(ctx, eventID, types.NewSavedSegment{Title: "Gold tier", AST: volunteers()})
	require.NoError(t, err)

	out, err := h.client.GenerateSegment(ctx, eventID, "volunteers from last year", client.GenerateOptions{IncludeContext: true})
	require.NoError(t, err)
	assert.Equal(t, volunteers(), out.Segment)
	assert.Equal(t, 1, out.Results.Total)
	req := gen.last()
	assert.Equal(t, "volunteers from last year", req.Prompt)
	assert.Contains(t, req.Context, "Today is 2025-03-01.")
	assert.Contains(t, req.Context, "Gold tier")

	_, err = h.client.GenerateSegment(ctx, eventID, "no context", client.GenerateOptions{})
	require.NoError(t, err)
	assert.Empty(t, gen.last().Context)
}

func TestGenerateSegment_Errors(t *testing.T) {
	t.Run("blank prompt", func(t *testing.T) {
		h := newHarness(t, &fakeGenerator{}, true)
		status, body := h.post(t, "/events/evt-42/crm/segments/generate", `{"prompt":"   ","includeContext":false}`)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, body, "prompt is empty")
	})
	t.Run("not configured", func(t *testing.T) {
		h := newHarness(t, nil, true)
		status, _ := h.post(t, "/events/evt-42/crm/segments/generate", `{"prompt":"x","includeContext":false}`)
		assert.Equal(t, http.StatusServiceUnavailable, status)
	})
	t.Run("malformed model output", func(t *testing.T) {
		h := newHarness(t, &fakeGenerator{err: generate.ErrMalformedSegment}, true)
		_, err := h.client.GenerateSegment(context.Background(), eventID, "x", client.GenerateOptions{})
		var reqErr *types.RequestError
		require.True(t, errors.As(err, &reqErr))
		assert.Equal(t, http.StatusBadGateway, reqErr.StatusCode)
		roots, _ := h.upstream.calls()
		assert.Empty(t, roots)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil, false)
	_, err := h.client.ListSavedSegments(context.Background(), eventID)
	require.NoError(t, err)

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `eventpilot_segment_gateway_requests_total{code="200",method="GET",route="/events/{eventID}/crm/segments/saved"}`)
}

func TestAuthGatesEventRoutes(t *testing.T) {
	conn, err := db.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_, err = db.MigrateUp(context.Background(), conn, nil)
	require.NoError(t, err)
	q, err := db.LoadQueries(conn)
	require.NoError(t, err)

	svc, err := NewService(db.NewRepository(q), Options{Auth: auth.NewAuthenticator("s3cret", nil)})
	require.NoError(t, err)
	srv := httptest.NewServer(svc.Routes())
	t.Cleanup(srv.Close)

	_, err = client.New(srv.URL).ListSavedSegments(context.Background(), eventID)
	var reqErr *types.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusUnauthorized, reqErr.StatusCode)

	_, err = client.New(srv.URL, client.WithToken("s3cret")).ListSavedSegments(context.Background(), eventID)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
