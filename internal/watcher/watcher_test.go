package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"monad-trench-bot/internal/execution"
	"monad-trench-bot/internal/market"
	"monad-trench-bot/internal/notify"
	"monad-trench-bot/internal/trigger"
)

// scriptedSource 按代币返回预设的价格序列，序列耗尽后重复最后一个值。
type scriptedSource struct {
	mu     sync.Mutex
	prices map[string][]string
	errs   map[string]error
	calls  map[string]int
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{
		prices: make(map[string][]string),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (s *scriptedSource) Fetch(_ context.Context, token string) (market.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := trigger.GroupKey(token)
	s.calls[key]++
	if err, ok := s.errs[key]; ok {
		return market.Snapshot{}, err
	}
	seq := s.prices[key]
	if len(seq) == 0 {
		return market.Snapshot{}, market.ErrNotFound
	}
	idx := s.calls[key] - 1
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	return market.Snapshot{TokenAddress: token, Price: decimal.RequireFromString(seq[idx]), ObservedAt: time.Now()}, nil
}

func (s *scriptedSource) callCount(token string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[trigger.GroupKey(token)]
}

// scriptedTrader 依次返回预设错误，之后成功。
type scriptedTrader struct {
	mu       sync.Mutex
	failures []error
	calls    int
	active   map[string]int
	overlap  bool
	delay    time.Duration
}

func (s *scriptedTrader) Execute(_ context.Context, order execution.Order) (execution.Receipt, error) {
	s.mu.Lock()
	s.calls++
	if s.active == nil {
		s.active = make(map[string]int)
	}
	s.active[order.Owner]++
	if s.active[order.Owner] > 1 {
		s.overlap = true
	}
	var err error
	if len(s.failures) > 0 {
		err = s.failures[0]
		s.failures = s.failures[1:]
	}
	delay := s.delay
	s.mu.Unlock()

	time.Sleep(delay)

	s.mu.Lock()
	s.active[order.Owner]--
	s.mu.Unlock()

	if err != nil {
		return execution.Receipt{}, err
	}
	return execution.Receipt{
		Key:    order.Key,
		Owner:  order.Owner,
		Price:  order.ReferencePrice,
		TxHash: "0x" + order.Key,
	}, nil
}

func (s *scriptedTrader) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type flakyNotifier struct {
	fail int
	box  *notify.Outbox
}

func (f *flakyNotifier) Notify(ctx context.Context, n notify.Notification) error {
	if f.fail > 0 {
		f.fail--
		return errors.New("telegram unavailable")
	}
	return f.box.Notify(ctx, n)
}

type fixture struct {
	registry *trigger.Registry
	source   *scriptedSource
	trader   *scriptedTrader
	outbox   *notify.Outbox
	watcher  *Watcher
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	reg, err := trigger.NewRegistry(trigger.NewMemoryRepository(), zaptest.NewLogger(t))
	require.NoError(t, err)

	f := &fixture{
		registry: reg,
		source:   newScriptedSource(),
		trader:   &scriptedTrader{},
		outbox:   notify.NewOutbox(0),
	}
	f.watcher, err = New(reg, f.source, f.trader, f.outbox, nil, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	return f
}

func (f *fixture) add(t *testing.T, tr trigger.Trigger) string {
	t.Helper()
	id, err := f.registry.Add(context.Background(), tr)
	require.NoError(t, err)
	return id
}

func (f *fixture) status(t *testing.T, id string) trigger.Status {
	t.Helper()
	got, err := f.registry.Get(context.Background(), id)
	require.NoError(t, err)
	return got.Status
}

func (f *fixture) cycle(t *testing.T) CycleReport {
	t.Helper()
	report, err := f.watcher.Cycle(context.Background())
	require.NoError(t, err)
	return report
}

func snipe(owner, token, target string) trigger.Trigger {
	return trigger.Trigger{
		Owner:        owner,
		TokenAddress: token,
		Kind:         trigger.KindSnipeBuy,
		Condition:    trigger.ConditionAtOrBelow,
		TargetPrice:  decimal.RequireFromString(target),
		Amount:       decimal.RequireFromString("0.1"),
	}
}

func alert(owner, token, target string) trigger.Trigger {
	return trigger.Trigger{
		Owner:        owner,
		TokenAddress: token,
		Kind:         trigger.KindWatchAlert,
		Condition:    trigger.ConditionAtOrAbove,
		TargetPrice:  decimal.RequireFromString(target),
	}
}

func TestCycle_NoActiveTriggers(t *testing.T) {
	f := newFixture(t, Options{})
	report := f.cycle(t)
	assert.Zero(t, report.Active)
	assert.Zero(t, f.source.callCount("0xABC"))
}

func TestCycle_BoundaryPriceFires(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.prices["0xabc"] = []string{"10.0"}
	id := f.add(t, snipe("u1", "0xABC", "10"))

	report := f.cycle(t)
	assert.Equal(t, []string{id}, report.Fired)
	require.Len(t, report.Receipts, 1)
	assert.Equal(t, trigger.StatusFired, f.status(t, id))
	assert.Equal(t, 1, f.trader.callCount())

	msgs := f.outbox.Drain("u1")
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.KindFired, msgs[0].Kind)
}

func TestCycle_WatchAlertFiresOnThirdCycle(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.prices["0xabc"] = []string{"8.0", "9.5", "10.0"}
	id := f.add(t, alert("u1", "0xABC", "10.0"))

	f.cycle(t)
	assert.Equal(t, trigger.StatusActive, f.status(t, id))
	f.cycle(t)
	assert.Equal(t, trigger.StatusActive, f.status(t, id))

	report := f.cycle(t)
	assert.Equal(t, []string{id}, report.Fired)
	assert.Equal(t, trigger.StatusFired, f.status(t, id))
	assert.Zero(t, f.trader.callCount(), "alerts never execute orders")

	msgs := f.outbox.Drain("u1")
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.KindAlert, msgs[0].Kind)

	// 终态之后不再参与轮询
	f.cycle(t)
	assert.Equal(t, 3, f.source.callCount("0xABC"))
}

func TestCycle_InsufficientBalanceCancelsOnce(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.prices["0xabc"] = []string{"1"}
	f.trader.failures = []error{fmt.Errorf("%w: need 1 tMON", execution.ErrInsufficientBalance)}
	id := f.add(t, snipe("u1", "0xABC", "10"))

	report := f.cycle(t)
	assert.Equal(t, []string{id}, report.Cancelled)
	assert.Equal(t, trigger.StatusCancelled, f.status(t, id))

	f.cycle(t)
	f.cycle(t)
	assert.Equal(t, 1, f.trader.callCount(), "fatal failure must not be retried")

	msgs := f.outbox.Drain("u1")
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.KindCancelled, msgs[0].Kind)
	assert.Contains(t, msgs[0].Message, "insufficient balance")
}

func TestCycle_NetworkErrorsRetriedUntilSuccess(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.prices["0xabc"] = []string{"5"}
	f.trader.failures = []error{
		fmt.Errorf("%w: timeout", execution.ErrNetwork),
		fmt.Errorf("%w: timeout", execution.ErrNetwork),
	}
	id := f.add(t, snipe("u1", "0xABC", "10"))

	var receipts []execution.Receipt
	for i := 0; i < 2; i++ {
		report := f.cycle(t)
		assert.Equal(t, []string{id}, report.Failed)
		assert.Equal(t, trigger.StatusActive, f.status(t, id))
		receipts = append(receipts, report.Receipts...)
	}
	assert.Empty(t, f.outbox.Drain("u1"), "transient failures are not surfaced to the user")

	report := f.cycle(t)
	receipts = append(receipts, report.Receipts...)
	assert.Equal(t, []string{id}, report.Fired)
	assert.Equal(t, trigger.StatusFired, f.status(t, id))
	assert.Len(t, receipts, 1)

	got, err := f.registry.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
}

func TestCycle_SlippageIsTransient(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.prices["0xabc"] = []string{"5"}
	f.trader.failures = []error{execution.ErrSlippageExceeded}
	id := f.add(t, snipe("u1", "0xABC", "10"))

	f.cycle(t)
	assert.Equal(t, trigger.StatusActive, f.status(t, id))
	f.cycle(t)
	assert.Equal(t, trigger.StatusFired, f.status(t, id))
}

func TestCycle_TransientFetchIsolatedPerToken(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.errs["0xaaa"] = fmt.Errorf("%w: 502", market.ErrTransient)
	f.source.prices["0xbbb"] = []string{"1"}
	x := f.add(t, snipe("u1", "0xAAA", "10"))
	y := f.add(t, snipe("u2", "0xBBB", "10"))

	report := f.cycle(t)
	assert.Equal(t, []string{y}, report.Fired)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, trigger.StatusActive, f.status(t, x))
	assert.Equal(t, trigger.StatusFired, f.status(t, y))

	delete(f.source.errs, "0xaaa")
	f.source.prices["0xaaa"] = []string{"2"}
	report = f.cycle(t)
	assert.Equal(t, []string{x}, report.Fired)
}

func TestCycle_NotFoundSkipsWithoutExpiring(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.add(t, snipe("u1", "0xCCC", "10"))

	for i := 0; i < 3; i++ {
		report := f.cycle(t)
		assert.Equal(t, 1, report.Skipped)
	}
	assert.Equal(t, trigger.StatusActive, f.status(t, id))
	assert.Empty(t, f.outbox.Drain("u1"))
}

func TestCycle_FetchesOncePerToken(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.prices["0xabc"] = []string{"50"}
	f.add(t, snipe("u1", "0xABC", "10"))
	f.add(t, snipe("u2", "0xabc", "10"))
	f.add(t, alert("u3", " 0xAbC ", "100"))

	report := f.cycle(t)
	assert.Equal(t, 1, report.Tokens)
	assert.Equal(t, 1, f.source.callCount("0xABC"))
	assert.Empty(t, report.Fired)
}

func TestCycle_InvalidAddressCancels(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.errs["0xnope"] = fmt.Errorf("%w: 0xnope", market.ErrInvalidAddress)
	id := f.add(t, snipe("u1", "0xnope", "10"))

	report := f.cycle(t)
	assert.Equal(t, []string{id}, report.Cancelled)
	assert.Equal(t, trigger.StatusCancelled, f.status(t, id))
	assert.Len(t, f.outbox.Drain("u1"), 1)
}

func TestCycle_MaxRetriesCancels(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 2})
	f.source.prices["0xabc"] = []string{"5"}
	f.trader.failures = []error{execution.ErrNetwork, execution.ErrNetwork, execution.ErrNetwork}
	id := f.add(t, snipe("u1", "0xABC", "10"))

	f.cycle(t)
	assert.Equal(t, trigger.StatusActive, f.status(t, id))
	report := f.cycle(t)
	assert.Equal(t, []string{id}, report.Cancelled)
	assert.Equal(t, trigger.StatusCancelled, f.status(t, id))

	msgs := f.outbox.Drain("u1")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message, "retries exhausted")
}

func TestCycle_ExpiresByTTL(t *testing.T) {
	f := newFixture(t, Options{TriggerTTL: time.Hour})
	f.source.prices["0xabc"] = []string{"50"}
	id := f.add(t, snipe("u1", "0xABC", "10"))

	f.watcher.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	report := f.cycle(t)
	assert.Equal(t, []string{id}, report.Expired)
	assert.Zero(t, report.Active)
	assert.Equal(t, trigger.StatusExpired, f.status(t, id))

	msgs := f.outbox.Drain("u1")
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.KindExpired, msgs[0].Kind)
}

func TestCycle_AlertRetriedWhenNotifyFails(t *testing.T) {
	reg, err := trigger.NewRegistry(trigger.NewMemoryRepository(), zaptest.NewLogger(t))
	require.NoError(t, err)
	source := newScriptedSource()
	source.prices["0xabc"] = []string{"20"}
	box := notify.NewOutbox(0)
	w, err := New(reg, source, &scriptedTrader{}, &flakyNotifier{fail: 1, box: box}, nil, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	id, err := reg.Add(context.Background(), alert("u1", "0xABC", "10"))
	require.NoError(t, err)

	report, err := w.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{id}, report.Failed)

	report, err = w.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{id}, report.Fired)
	assert.Len(t, box.Drain("u1"), 1)
}

func TestCycle_CancelledDuringExecutionStaysCancelled(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.prices["0xabc"] = []string{"5"}
	id := f.add(t, snipe("u1", "0xABC", "10"))

	f.watcher.trader = traderFunc(func(ctx context.Context, order execution.Order) (execution.Receipt, error) {
		ok, err := f.registry.Remove(ctx, order.Key, order.Owner)
		assert.NoError(t, err)
		assert.True(t, ok)
		return execution.Receipt{Key: order.Key, TxHash: "0xfeed", Price: order.ReferencePrice}, nil
	})

	report := f.cycle(t)
	assert.Empty(t, report.Fired)
	assert.Len(t, report.Receipts, 1, "the fill is still reported")
	assert.Equal(t, trigger.StatusCancelled, f.status(t, id))
}

func TestCycle_SnipeCancelledAfterListingIsNotExecuted(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.prices["0xabc"] = []string{"5"}
	first := f.add(t, snipe("u1", "0xABC", "10"))
	second := f.add(t, snipe("u1", "0xABC", "10"))

	var mu sync.Mutex
	var executed []string
	f.watcher.trader = traderFunc(func(ctx context.Context, order execution.Order) (execution.Receipt, error) {
		mu.Lock()
		executed = append(executed, order.Key)
		mu.Unlock()
		other := second
		if order.Key == second {
			other = first
		}
		ok, err := f.registry.Remove(ctx, other, order.Owner)
		assert.NoError(t, err)
		assert.True(t, ok)
		return execution.Receipt{Key: order.Key, TxHash: "0xfeed", Price: order.ReferencePrice}, nil
	})

	report := f.cycle(t)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, executed, 1)
	assert.Equal(t, []string{executed[0]}, report.Fired)
	cancelled := second
	if executed[0] == second {
		cancelled = first
	}
	assert.Equal(t, trigger.StatusCancelled, f.status(t, cancelled))
	assert.Equal(t, trigger.StatusFired, f.status(t, executed[0]))
}

func TestCycle_SerializesPerOwnerOnly(t *testing.T) {
	f := newFixture(t, Options{})
	f.trader.delay = 5 * time.Millisecond
	f.source.prices["0xabc"] = []string{"1"}
	for i := 0; i < 3; i++ {
		f.add(t, snipe("u1", "0xABC", "10"))
		f.add(t, snipe("u2", "0xABC", "10"))
	}

	report := f.cycle(t)
	assert.Len(t, report.Fired, 6)
	f.trader.mu.Lock()
	defer f.trader.mu.Unlock()
	assert.False(t, f.trader.overlap, "a wallet must never have two executions in flight")
}

type traderFunc func(ctx context.Context, order execution.Order) (execution.Receipt, error)

func (f traderFunc) Execute(ctx context.Context, order execution.Order) (execution.Receipt, error) {
	return f(ctx, order)
}
