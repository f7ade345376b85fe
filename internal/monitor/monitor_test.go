package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	events []Event
}

func (r *recorder) fn(e Event) { r.events = append(r.events, e) }

func (r *recorder) last(depth int) Event {
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Depth == depth {
			return r.events[i]
		}
	}
	return Event{}
}

func TestChildProgressScalesIntoParent(t *testing.T) {
	rec := &recorder{}
	root := New(context.Background(), rec.fn)
	root.Start("materialize", 2)

	child := root.Child(1)
	child.Start("file 1", 4)
	child.Progress(2, "sst")
	assert.InDelta(t, 0.5, rec.last(0).Worked, 1e-9)

	child.Done()
	assert.InDelta(t, 1, rec.last(0).Worked, 1e-9)
	assert.True(t, rec.last(1).Done)

	root.Child(1).Done()
	root.Done()
	final := rec.last(0)
	assert.True(t, final.Done)
	assert.InDelta(t, 2, final.Worked, 1e-9)
}

func TestZeroWorkLevelsStillComplete(t *testing.T) {
	rec := &recorder{}
	root := New(context.Background(), rec.fn)
	root.Start("materialize", 0)
	root.Done()
	assert.True(t, rec.last(0).Done)

	rec = &recorder{}
	root = New(context.Background(), rec.fn)
	root.Start("outer", 1)
	child := root.Child(1)
	child.Start("no files", 0)
	child.Done()
	child.Done()
	assert.InDelta(t, 1, rec.last(0).Worked, 1e-9)
}

func TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	root := New(ctx, nil)
	child := root.Child(1)
	assert.False(t, child.Cancelled())
	cancel()
	assert.True(t, root.Cancelled())
	assert.True(t, child.Cancelled())
	assert.False(t, None.Cancelled())
}
