package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"
)

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, Notification) error { return f.err }

func TestOutbox_DrainPerOwner(t *testing.T) {
	box := NewOutbox(0)
	ctx := context.Background()

	require.NoError(t, box.Notify(ctx, Notification{Owner: "u1", Message: "a"}))
	require.NoError(t, box.Notify(ctx, Notification{Owner: "u2", Message: "b"}))
	require.NoError(t, box.Notify(ctx, Notification{Owner: "u1", Message: "c"}))

	assert.Equal(t, 2, box.Pending("u1"))
	got := box.Drain("u1")
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Message)
	assert.Equal(t, "c", got[1].Message)
	assert.False(t, got[0].CreatedAt.IsZero())

	assert.Zero(t, box.Pending("u1"))
	assert.Equal(t, 1, box.Pending("u2"))
}

func TestOutbox_CapacityDropsOldest(t *testing.T) {
	box := NewOutbox(2)
	ctx := context.Background()
	for _, msg := range []string{"1", "2", "3"} {
		require.NoError(t, box.Notify(ctx, Notification{Owner: "u1", Message: msg}))
	}

	got := box.Drain("u1")
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].Message)
	assert.Equal(t, 1, box.Dropped())
}

func TestMulti_DeliversToAllAndAggregatesErrors(t *testing.T) {
	box := NewOutbox(0)
	errA := errors.New("telegram down")
	errB := errors.New("webhook down")
	m := Multi{box, failingNotifier{errA}, NewLogNotifier(zaptest.NewLogger(t)), failingNotifier{errB}, nil}

	err := m.Notify(context.Background(), Notification{Owner: "u1", Message: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, 1, box.Pending("u1"))
}
