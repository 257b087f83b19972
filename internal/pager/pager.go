// Package pager computes task pages and page counts over the record
// store and keeps a displayed page consistent while the store changes
// underneath it.
//
// The count and the page content are two independent reads, not a
// snapshot. A View re-derives both after every change notification, so
// a page can be briefly out of step with its count but settles once the
// mutation has been observed.
package pager

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hubenchang0515/todo/internal/events"
	"github.com/hubenchang0515/todo/internal/store"
	"github.com/hubenchang0515/todo/internal/task"
)

// DefaultPageSize is the number of tasks shown per page.
const DefaultPageSize = 10

// Source is the part of the store the pager reads from.
type Source interface {
	Count(ctx context.Context, status task.Status) (int, error)
	Scan(ctx context.Context, status task.Status, skip, limit int) ([]task.Task, error)
}

// PageCount returns ceil(count(status)/size), never less than 1.
func PageCount(ctx context.Context, src Source, status task.Status, size int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("invalid page size %d", size)
	}
	n, err := src.Count(ctx, status)
	if err != nil {
		return 0, err
	}
	return pagesFor(n, size), nil
}

func pagesFor(count, size int) int {
	pages := (count + size - 1) / size
	if pages < 1 {
		return 1
	}
	return pages
}

// Fetch returns page number (0-indexed) of the given status.
func Fetch(ctx context.Context, src Source, status task.Status, size, number int) ([]task.Task, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid page size %d", size)
	}
	if number < 0 {
		return nil, fmt.Errorf("invalid page number %d", number)
	}
	return src.Scan(ctx, status, number*size, size)
}

// Page is what a View displays.
type Page struct {
	Status task.Status
	Size   int
	// Number is 0-indexed.
	Number int
	// Count is the total number of pages for Status, at least 1.
	Count int
	Tasks []task.Task
}

// Option configures a View.
type Option func(*View)

// WithLogger sets the view's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(v *View) {
		v.logger = logger
	}
}

// View is the paginated list the user is looking at: one status
// filter, one page size and one page number.
//
// Page counts are cached per status; a change only drops the counts of
// the statuses it touched. The current page is dropped when its status
// was touched.
type View struct {
	src    Source
	logger *zap.Logger

	mu      sync.Mutex
	status  task.Status
	size    int
	number  int
	counts  map[task.Status]int
	current *Page
}

// NewView creates a view on the todo list, page 0.
func NewView(src Source, size int, opts ...Option) *View {
	if size <= 0 {
		size = DefaultPageSize
	}
	v := &View{
		src:    src,
		logger: zap.NewNop(),
		status: task.StatusTodo,
		size:   size,
		counts: make(map[task.Status]int),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Status returns the current status filter.
func (v *View) Status() task.Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

// Number returns the current page number.
func (v *View) Number() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.number
}

// SetStatus switches the status filter and goes back to page 0.
func (v *View) SetStatus(s task.Status) error {
	if !s.Valid() {
		return fmt.Errorf("invalid status %q", s)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	v.status = s
	v.number = 0
	v.current = nil
	return nil
}

// SetPageSize changes the page size and goes back to page 0.
func (v *View) SetPageSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("invalid page size %d", size)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	v.size = size
	v.number = 0
	v.current = nil
	return nil
}

// SetPage moves to page number, clamped to the pages that exist.
func (v *View) SetPage(ctx context.Context, number int) error {
	if number < 0 {
		return fmt.Errorf("invalid page number %d", number)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	pages, err := v.pageCountLocked(ctx)
	if err != nil {
		return err
	}
	if number > pages-1 {
		number = pages - 1
	}
	if number != v.number {
		v.number = number
		v.current = nil
	}
	return nil
}

// Invalidate drops cached data for the given statuses.
func (v *View) Invalidate(statuses ...task.Status) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, s := range statuses {
		delete(v.counts, s)
		if v.current != nil && v.current.Status == s {
			v.current = nil
		}
	}
}

// Current returns the displayed page, re-reading whatever is stale.
//
// If a page past the first comes back empty (its last task was deleted
// or changed status meanwhile), the previous page is fetched instead and
// becomes the current page. This happens at most once per call; an
// empty page 0 is a valid empty list.
func (v *View) Current(ctx context.Context) (*Page, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.current != nil {
		if _, ok := v.counts[v.status]; ok {
			return v.copyCurrent(), nil
		}
	}

	pages, err := v.pageCountLocked(ctx)
	if err != nil {
		return nil, err
	}

	tasks, err := Fetch(ctx, v.src, v.status, v.size, v.number)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 && v.number > 0 {
		v.logger.Debug("page emptied, stepping back",
			zap.Stringer("status", v.status),
			zap.Int("page", v.number),
		)
		v.number--
		tasks, err = Fetch(ctx, v.src, v.status, v.size, v.number)
		if err != nil {
			return nil, err
		}
	}

	v.current = &Page{
		Status: v.status,
		Size:   v.size,
		Number: v.number,
		Count:  pages,
		Tasks:  tasks,
	}
	return v.copyCurrent(), nil
}

func (v *View) copyCurrent() *Page {
	p := *v.current
	p.Tasks = append([]task.Task(nil), v.current.Tasks...)
	return &p
}

// PageCount returns the page count of the current status, cached until
// a change touches that status.
func (v *View) PageCount(ctx context.Context) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pageCountLocked(ctx)
}

// CachedPageCount returns the cached page count for s, if any.
func (v *View) CachedPageCount(s task.Status) (int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n, ok := v.counts[s]
	if !ok {
		return 0, false
	}
	return pagesFor(n, v.size), true
}

func (v *View) pageCountLocked(ctx context.Context) (int, error) {
	if n, ok := v.counts[v.status]; ok {
		return pagesFor(n, v.size), nil
	}
	n, err := v.src.Count(ctx, v.status)
	if err != nil {
		return 0, err
	}
	v.counts[v.status] = n
	return pagesFor(n, v.size), nil
}

// Watch refreshes the view on every change delivered to sub and hands
// the new page to fn. It returns when ctx is done or sub is closed.
// Read errors are passed to fn and do not stop the loop.
func (v *View) Watch(ctx context.Context, sub *events.Subscription, fn func(*Page, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub.Ready():
			if !ok {
				return nil
			}
		}

		c, ok := sub.Take()
		if !ok {
			continue
		}
		v.Apply(c)
		fn(v.Current(ctx))
	}
}

// Apply invalidates whatever the change touched.
func (v *View) Apply(c store.Change) {
	v.Invalidate(c.Statuses...)
}
