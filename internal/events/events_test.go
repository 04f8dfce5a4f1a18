package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFillsIDAndTime(t *testing.T) {
	b := NewBus(nil)
	ch, cancel := b.Subscribe(1, nil)
	defer cancel()

	b.Publish(Event{Type: WorktreeCreated, Path: "/repo/.worktrees/a"})
	ev := <-ch
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Time.IsZero())
	assert.Equal(t, WorktreeCreated, ev.Type)
}

func TestFilterAndDrop(t *testing.T) {
	b := NewBus(nil)
	ch, cancel := b.Subscribe(1, ForProject("/a"))
	defer cancel()

	b.Publish(Event{Type: InitOutput, Project: "/b"})
	b.Publish(Event{Type: InitOutput, Project: "/a", Message: "first"})
	b.Publish(Event{Type: InitOutput, Project: "/a", Message: "second"})

	ev := <-ch
	assert.Equal(t, "first", ev.Message)
	assert.Equal(t, int64(1), b.Dropped())
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %+v", extra)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBus(nil)
	ch, cancel := b.Subscribe(4, nil)
	cancel()
	cancel()
	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: WorktreeDeleted})
}
