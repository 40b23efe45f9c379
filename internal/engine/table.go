package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/client"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

// Rerun re-executes the active segment for p. It reports whether an
// execution was issued. Nothing runs when no AI segment is active, when the
// cached results already carry p, or when an execution for p is in flight.
// A response is applied only if no newer execution, apply or return to the
// cached page happened since. Pagination changes are published.
func (e *Engine) Rerun(ctx context.Context, p types.Pagination) (bool, error) {
	e.mu.Lock()
	if !e.state.Pagination.Equal(p) {
		e.state.Pagination = p
		e.publishLocked()
	}
	s := e.state
	if !s.UsingAI() || s.LastAST == nil {
		e.mu.Unlock()
		return false, nil
	}
	if s.Results.Pagination != nil && s.Results.Pagination.Equal(p) {
		// an execution still in flight targets a page no longer wanted
		if e.pending != nil {
			e.token++
			e.pending = nil
		}
		e.mu.Unlock()
		return false, nil
	}
	if e.pending != nil && e.pending.Equal(p) {
		e.mu.Unlock()
		return false, nil
	}
	e.token++
	token, epoch := e.token, e.epoch
	pending := p
	e.pending = &pending
	ast := *s.LastAST
	eventID := s.EventID
	e.mu.Unlock()

	results, err := e.exec.RunSegment(ctx, eventID, ast, client.RunOptions{Pagination: &p})

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.token == token {
		e.pending = nil
	}
	if err != nil {
		return true, fmt.Errorf("rerun segment: %w", err)
	}
	if e.token != token || e.epoch != epoch || !e.state.UsingAI() {
		return true, nil
	}
	e.state.Results = &results
	e.publishLocked()
	return true, nil
}

// ManualSource serves rows when no AI segment is active.
type ManualSource interface {
	Fetch(ctx context.Context, p types.Pagination) (rows []types.Row, total int, err error)
}

// TableView is what the table renders.
type TableView struct {
	Data      []types.Row `json:"data"`
	TotalRows int         `json:"totalRows"`
	UsingAI   bool        `json:"usingAi"`
	Title     string      `json:"title,omitempty"`
	types.Pagination
}

// TableSource feeds the table from the engine when AI is active and from a
// manual source otherwise. Page, size and sort changes re-execute the active
// segment through Rerun.
type TableSource struct {
	engine *Engine
	manual ManualSource

	mu          sync.Mutex
	page        types.Pagination
	manualRows  []types.Row
	manualTotal int
}

// NewTableSource binds a table to engine. manual may be nil.
func NewTableSource(engine *Engine, manual ManualSource) *TableSource {
	return &TableSource{
		engine: engine,
		manual: manual,
		page:   engine.Snapshot().Pagination,
	}
}

// SetPage moves to page.
func (t *TableSource) SetPage(ctx context.Context, page int) error {
	return t.update(ctx, func(p *types.Pagination) { p.Page = page })
}

// SetSize changes the page size and returns to the first page.
func (t *TableSource) SetSize(ctx context.Context, size int) error {
	return t.update(ctx, func(p *types.Pagination) {
		p.Size = size
		p.Page = 0
	})
}

// SetOrder changes the sort and returns to the first page.
func (t *TableSource) SetOrder(ctx context.Context, orderBy, order string) error {
	return t.update(ctx, func(p *types.Pagination) {
		p.OrderBy = orderBy
		p.Order = order
		p.Page = 0
	})
}

func (t *TableSource) update(ctx context.Context, fn func(*types.Pagination)) error {
	t.mu.Lock()
	prev := t.page
	fn(&t.page)
	if t.page.Size <= 0 {
		t.page.Size = types.DefaultPageSize
	}
	if t.page.Size > types.MaxPageSize {
		t.page.Size = types.MaxPageSize
	}
	if t.page.Page < 0 {
		t.page.Page = 0
	}
	changed := !prev.Equal(t.page)
	t.mu.Unlock()

	if !changed {
		return nil
	}
	return t.Refresh(ctx)
}

// Refresh loads the current page from whichever source is active.
func (t *TableSource) Refresh(ctx context.Context) error {
	t.mu.Lock()
	p := t.page
	t.mu.Unlock()

	if t.engine.Snapshot().UsingAI() {
		_, err := t.engine.Rerun(ctx, p)
		return err
	}
	if t.manual == nil {
		return nil
	}
	rows, total, err := t.manual.Fetch(ctx, p)
	if err != nil {
		return fmt.Errorf("fetch manual rows: %w", err)
	}
	t.mu.Lock()
	t.manualRows, t.manualTotal = rows, total
	t.mu.Unlock()
	return nil
}

// View returns the rows and paging state to render.
func (t *TableSource) View() TableView {
	snap := t.engine.Snapshot()
	t.mu.Lock()
	defer t.mu.Unlock()
	v := TableView{Pagination: t.page, UsingAI: snap.UsingAI()}
	if snap.UsingAI() {
		v.Data = snap.Results.CRMPersons
		v.TotalRows = snap.Results.Total
		v.Title = snap.AITitle()
	} else {
		v.Data = t.manualRows
		v.TotalRows = t.manualTotal
	}
	if v.Data == nil {
		v.Data = []types.Row{}
	}
	return v
}

// Rows returns the rows an export should include.
func (t *TableSource) Rows() []types.Row {
	return t.View().Data
}
