package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"monad-trench-bot/internal/config"
	"monad-trench-bot/internal/execution"
	"monad-trench-bot/internal/store"
	"monad-trench-bot/internal/trigger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "monitor.db"),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, zaptest.NewLogger(t))
	require.NoError(t, err)
	return svc
}

func TestService_RecordsAndFiltersEvents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tr := trigger.Trigger{ID: "t-1", Owner: "u1", TokenAddress: "0xABC", Status: trigger.StatusFired,
		TargetPrice: decimal.NewFromInt(10)}
	svc.RecordTrigger(ctx, EventTriggerFired, tr, "9.5")
	svc.RecordExecution(ctx, "t-1", execution.Receipt{Key: "t-1", TxHash: "0xdead", Price: decimal.RequireFromString("9.5")})
	svc.RecordExecutionFailure(ctx, tr, 2, false, errors.New("rpc down"))
	svc.RecordError(ctx, "cycle failed", nil, map[string]interface{}{"tokens": 3})

	all, err := svc.ListEvents(ctx, Query{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, EventError, all[0].Type, "newest first")

	fired, err := svc.ListEvents(ctx, Query{Type: EventTriggerFired, Limit: 10})
	require.NoError(t, err)
	require.Len(t, fired, 1)

	raw, ok := fired[0].Payload.(json.RawMessage)
	require.True(t, ok)
	var payload TriggerPayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, "t-1", payload.Trigger.ID)
	assert.Equal(t, "9.5", payload.Price)
	assert.True(t, payload.Trigger.TargetPrice.Equal(decimal.NewFromInt(10)))
}

func TestService_ListEventsRespectsLimit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		svc.RecordCycle(ctx, CyclePayload{Active: i})
	}

	events, err := svc.ListEvents(ctx, Query{Type: EventCycle, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestService_FiltersByOwner(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordTrigger(ctx, EventTriggerAdded, trigger.Trigger{ID: "a", Owner: "u1"}, "")
	svc.RecordTrigger(ctx, EventTriggerAdded, trigger.Trigger{ID: "b", Owner: "u2"}, "")
	svc.RecordExecution(ctx, "a", execution.Receipt{Key: "a", Owner: "u1"})
	svc.RecordCycle(ctx, CyclePayload{Active: 2})

	mine, err := svc.ListEvents(ctx, Query{Owner: "u1"})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, EventExecution, mine[0].Type)
	for _, ev := range mine {
		assert.Equal(t, "u1", ev.Owner)
	}

	added, err := svc.ListEvents(ctx, Query{Type: EventTriggerAdded, Owner: "u2"})
	require.NoError(t, err)
	assert.Len(t, added, 1)
}
