package pager

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenchang0515/todo/internal/events"
	"github.com/hubenchang0515/todo/internal/store"
	"github.com/hubenchang0515/todo/internal/task"
)

func openStore(t *testing.T, bus *events.Bus) *store.Store {
	t.Helper()
	var opts []store.Option
	if bus != nil {
		opts = append(opts, store.WithChangeHook(bus.Publish))
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "pager.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema(context.Background()))
	return st
}

func seed(t *testing.T, st *store.Store, status task.Status, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := st.Add(context.Background(), task.Task{
			Status:    status,
			Title:     fmt.Sprintf("%s %d", status, i+1),
			CreatedAt: time.Now(),
			Rating:    3,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func ids(tasks []task.Task) []int64 {
	out := make([]int64, len(tasks))
	for i, tk := range tasks {
		out[i] = tk.ID
	}
	return out
}

func TestPageCount(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, nil)

	n, err := PageCount(ctx, st, task.StatusTodo, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "empty list still has one page")

	seed(t, st, task.StatusTodo, 10)
	n, err = PageCount(ctx, st, task.StatusTodo, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	seed(t, st, task.StatusTodo, 1)
	n, err = PageCount(ctx, st, task.StatusTodo, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = PageCount(ctx, st, task.StatusTodo, 0)
	assert.Error(t, err)
}

func TestTwentyFiveTodosScenario(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	st := openStore(t, bus)
	all := seed(t, st, task.StatusTodo, 25)

	v := NewView(st, 10)
	pages, err := v.PageCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, pages)

	require.NoError(t, v.SetPage(ctx, 2))
	page, err := v.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Number)
	assert.Equal(t, all[20:], ids(page.Tasks), "page 2 holds records 21-25")

	sub := bus.Subscribe()
	defer sub.Close()

	for _, id := range all[20:] {
		require.NoError(t, st.Delete(ctx, id))
	}
	c, ok := sub.Take()
	require.True(t, ok)
	v.Apply(c)

	page, err = v.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Number, "emptied page steps back")
	assert.Equal(t, all[10:20], ids(page.Tasks))
	assert.Equal(t, 2, page.Count)
	assert.Equal(t, 1, v.Number())
}

func TestDeletingSoleRecordOnLastPage(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, nil)
	all := seed(t, st, task.StatusTodo, 11)

	v := NewView(st, 5)
	require.NoError(t, v.SetPage(ctx, 2))
	page, err := v.Current(ctx)
	require.NoError(t, err)
	require.Len(t, page.Tasks, 1)

	require.NoError(t, st.Delete(ctx, all[10]))
	v.Invalidate(task.StatusTodo)

	page, err = v.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Number)
	assert.NotEmpty(t, page.Tasks)
}

func TestEmptyFirstPageIsNotCorrected(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, nil)

	v := NewView(st, 10)
	page, err := v.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, page.Number)
	assert.Empty(t, page.Tasks)
	assert.Equal(t, 1, page.Count)
}

func TestStatusSwitchResetsPage(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, nil)
	seed(t, st, task.StatusTodo, 30)
	seed(t, st, task.StatusDone, 30)

	v := NewView(st, 10)
	require.NoError(t, v.SetPage(ctx, 2))
	require.Equal(t, 2, v.Number())

	require.NoError(t, v.SetStatus(task.StatusDone))
	assert.Equal(t, 0, v.Number())
	page, err := v.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, page.Status)
	assert.Equal(t, 0, page.Number)

	require.NoError(t, v.SetPage(ctx, 1))
	require.NoError(t, v.SetPageSize(7))
	assert.Equal(t, 0, v.Number(), "page size change resets the page")

	assert.Error(t, v.SetStatus(task.Status("later")))
}

func TestSetPageClampsToExistingPages(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, nil)
	seed(t, st, task.StatusTodo, 12)

	v := NewView(st, 10)
	require.NoError(t, v.SetPage(ctx, 9))
	assert.Equal(t, 1, v.Number())
	assert.Error(t, v.SetPage(ctx, -1))
}

func TestInvalidationIsPerStatus(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	st := openStore(t, bus)
	seed(t, st, task.StatusTodo, 15)
	seed(t, st, task.StatusDone, 3)

	v := NewView(st, 10)
	require.NoError(t, v.SetStatus(task.StatusDone))
	_, err := v.Current(ctx)
	require.NoError(t, err)
	require.NoError(t, v.SetStatus(task.StatusTodo))
	_, err = v.Current(ctx)
	require.NoError(t, err)

	sub := bus.Subscribe()
	defer sub.Close()
	seed(t, st, task.StatusTodo, 10)
	c, ok := sub.Take()
	require.True(t, ok)
	v.Apply(c)

	_, cached := v.CachedPageCount(task.StatusTodo)
	assert.False(t, cached, "todo count must be re-read")
	doneCount, cached := v.CachedPageCount(task.StatusDone)
	assert.True(t, cached, "done count must survive a todo mutation")
	assert.Equal(t, 1, doneCount)

	page, err := v.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Count)
}

func TestPageCountMatchesCountAfterRandomMutations(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	st := openStore(t, bus)
	sub := bus.Subscribe()
	defer sub.Close()

	const size = 4
	v := NewView(st, size)
	rng := rand.New(rand.NewSource(7))
	var live []int64

	for i := 0; i < 60; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			k := rng.Intn(len(live))
			require.NoError(t, st.Delete(ctx, live[k]))
			live = append(live[:k], live[k+1:]...)
		} else {
			live = append(live, seed(t, st, task.StatusTodo, 1)...)
		}
		if c, ok := sub.Take(); ok {
			v.Apply(c)
		}

		page, err := v.Current(ctx)
		require.NoError(t, err)

		want := (len(live) + size - 1) / size
		if want < 1 {
			want = 1
		}
		assert.Equal(t, want, page.Count, "after %d mutations", i+1)
		if page.Number > 0 {
			assert.NotEmpty(t, page.Tasks)
		}
	}
}

func TestWatchRefreshesOnChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	st := openStore(t, bus)
	v := NewView(st, 10)
	sub := bus.Subscribe()

	pages := make(chan *Page, 16)
	done := make(chan error, 1)
	go func() {
		done <- v.Watch(ctx, sub, func(p *Page, err error) {
			if err == nil {
				pages <- p
			}
		})
	}()

	seed(t, st, task.StatusTodo, 3)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-pages:
			if len(p.Tasks) == 3 {
				cancel()
				assert.ErrorIs(t, <-done, context.Canceled)
				return
			}
		case <-deadline:
			t.Fatal("view was not refreshed")
		}
	}
}
