package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/client"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/configstore"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/segment"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testEvent types.EventID = "ev1"

type runCall struct {
	Root       segment.Root
	Pagination types.Pagination
}

// fakeExec records every call and serves canned responses.
type fakeExec struct {
	mu    sync.Mutex
	calls map[string]int
	runs  []runCall

	runHook   func(ctx context.Context, root segment.Root, p types.Pagination) (types.SegmentResults, error)
	runErr    error
	gen       client.Generated
	genErr    error
	saved     []types.SavedSegment
	listErr   error
	title     string
	titleErr  error
	createErr error
	nextID    int
}

func newFakeExec() *fakeExec {
	return &fakeExec{calls: make(map[string]int)}
}

func (f *fakeExec) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeExec) record(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func pageResults(p types.Pagination) types.SegmentResults {
	return types.SegmentResults{
		CRMPersons: []types.Row{types.Row(fmt.Sprintf(`{"page":%d}`, p.Page))},
		Total:      100,
		Pagination: &p,
	}
}

func (f *fakeExec) RunSegment(ctx context.Context, _ types.EventID, root segment.Root, opts client.RunOptions) (types.SegmentResults, error) {
	f.record("run")
	p := DefaultPagination()
	if opts.Pagination != nil {
		p = *opts.Pagination
	}
	f.mu.Lock()
	f.runs = append(f.runs, runCall{Root: root, Pagination: p})
	hook, runErr := f.runHook, f.runErr
	f.mu.Unlock()

	if hook != nil {
		return hook(ctx, root, p)
	}
	if runErr != nil {
		return types.SegmentResults{}, runErr
	}
	return pageResults(p), nil
}

func (f *fakeExec) GenerateSegment(_ context.Context, _ types.EventID, prompt string, opts client.GenerateOptions) (client.Generated, error) {
	f.record("generate")
	if f.genErr != nil {
		return client.Generated{}, f.genErr
	}
	out := f.gen
	if opts.Pagination != nil {
		out.Results = pageResults(*opts.Pagination)
	}
	return out, nil
}

func (f *fakeExec) ListSavedSegments(context.Context, types.EventID) ([]types.SavedSegment, error) {
	f.record("list")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]types.SavedSegment(nil), f.saved...), nil
}

func (f *fakeExec) CreateSavedSegment(_ context.Context, eventID types.EventID, in types.NewSavedSegment) (types.SavedSegment, error) {
	f.record("create")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return types.SavedSegment{}, f.createErr
	}
	f.nextID++
	seg := types.SavedSegment{
		ID:        types.SegmentID(fmt.Sprintf("new-%d", f.nextID)),
		EventID:   eventID,
		Title:     in.Title,
		Prompt:    in.Prompt,
		AST:       in.AST,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, f.nextID, 0, time.UTC),
	}
	f.saved = append(f.saved, seg)
	return seg, nil
}

func (f *fakeExec) UpdateSavedSegment(_ context.Context, _ types.EventID, id types.SegmentID, patch types.SavedSegmentPatch) (types.SavedSegment, error) {
	f.record("update")
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.saved {
		if s.ID != id {
			continue
		}
		if patch.Title != nil {
			s.Title = *patch.Title
		}
		if patch.Prompt != nil {
			s.Prompt = *patch.Prompt
		}
		if patch.AST != nil {
			s.AST = *patch.AST
		}
		if patch.Favorite != nil {
			s.Favorite = *patch.Favorite
		}
		if patch.LastUsed != nil {
			t := *patch.LastUsed
			s.LastUsed = &t
		}
		f.saved[i] = s
		return s, nil
	}
	return types.SavedSegment{}, &types.RequestError{Op: "update saved segment", StatusCode: 404, Message: "not found"}
}

func (f *fakeExec) SuggestTitle(context.Context, types.EventID, string, segment.Root) (string, error) {
	f.record("suggest")
	if f.titleErr != nil {
		return "", f.titleErr
	}
	return f.title, nil
}

// memBackend is an in-memory filter-config server shared across engines to
// simulate reloads.
type memBackend struct {
	mu     sync.Mutex
	docs   map[types.EventID]types.FilterConfig
	putErr error
}

func newMemBackend() *memBackend {
	return &memBackend{docs: make(map[types.EventID]types.FilterConfig)}
}

func (m *memBackend) GetFilterConfig(_ context.Context, eventID types.EventID) (types.FilterConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.docs[eventID]; ok {
		return cfg, nil
	}
	return types.DefaultFilterConfig(), nil
}

func (m *memBackend) PutFilterConfig(_ context.Context, eventID types.EventID, patch types.FilterConfigPatch) (types.FilterConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return types.FilterConfig{}, m.putErr
	}
	cur, ok := m.docs[eventID]
	if !ok {
		cur = types.DefaultFilterConfig()
	}
	cur = patch.Apply(cur)
	m.docs[eventID] = cur
	return cur, nil
}

func (m *memBackend) ai(eventID types.EventID) types.AIFilterState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[eventID].AI
}

func (m *memBackend) setAI(eventID types.EventID, ai types.AIFilterState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := types.DefaultFilterConfig()
	cfg.AI = ai
	m.docs[eventID] = cfg
}

// newTestEngine builds an engine over a fresh store on backend (a reload).
func newTestEngine(exec *fakeExec, backend *memBackend, opts ...Option) *Engine {
	return New(exec, configstore.New(backend, nil), testEvent, opts...)
}

// scriptedSurface returns a fixed result for every Collect.
type scriptedSurface struct {
	result PromptResult
	err    error
	seen   []PromptRequest
}

func (s *scriptedSurface) Collect(_ context.Context, req PromptRequest) (PromptResult, error) {
	s.seen = append(s.seen, req)
	return s.result, s.err
}

var errBoom = errors.New("boom")

func emailRoot(days int) segment.Root {
	return segment.Root{Filter: segment.EmailNode{Direction: segment.DirectionOutbound, WithinDays: days, Exists: true}}
}

func ptr[T any](v T) *T { return &v }
