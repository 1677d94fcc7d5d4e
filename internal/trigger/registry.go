package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const reasonCancelledByOwner = "cancelled by owner"

// Registry 维护全部触发器，所有状态转换在同一把锁内完成。
type Registry struct {
	mu     sync.Mutex
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// NewRegistry 基于仓库创建注册表。
func NewRegistry(repo Repository, logger *zap.Logger) (*Registry, error) {
	if repo == nil {
		return nil, errors.New("trigger: repository 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}, nil
}

// Add 校验并登记新触发器，返回分配的 ID。
func (r *Registry) Add(ctx context.Context, t Trigger) (string, error) {
	t.Owner = strings.TrimSpace(t.Owner)
	t.TokenAddress = strings.TrimSpace(t.TokenAddress)
	if err := t.Validate(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	t.ID = r.newID()
	t.Status = StatusActive
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Attempts = 0
	t.LastError = ""
	t.Reason = ""

	if err := r.repo.Put(ctx, t); err != nil {
		return "", err
	}

	r.logger.Info("触发器已登记",
		zap.String("trigger_id", t.ID),
		zap.String("owner", t.Owner),
		zap.String("token", t.TokenAddress),
		zap.String("kind", string(t.Kind)),
		zap.String("condition", string(t.Condition)),
		zap.String("target_price", t.TargetPrice.String()),
	)
	return t.ID, nil
}

// Remove 由所有者取消一条活跃触发器；不存在、非本人或已终结时返回 false。
func (r *Registry) Remove(ctx context.Context, id, owner string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if t.Owner != strings.TrimSpace(owner) || t.Status != StatusActive {
		return false, nil
	}

	if err := r.finishLocked(ctx, &t, StatusCancelled, reasonCancelledByOwner); err != nil {
		return false, err
	}
	return true, nil
}

// Get 返回触发器当前状态。
func (r *Registry) Get(ctx context.Context, id string) (Trigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.repo.Get(ctx, id)
}

// ListActive 按插入顺序返回所有活跃触发器的快照。
func (r *Registry) ListActive(ctx context.Context) ([]Trigger, error) {
	return r.list(ctx, func(t Trigger) bool { return t.Status == StatusActive })
}

// ListByOwner 返回某个用户的活跃触发器。
func (r *Registry) ListByOwner(ctx context.Context, owner string) ([]Trigger, error) {
	owner = strings.TrimSpace(owner)
	return r.list(ctx, func(t Trigger) bool { return t.Status == StatusActive && t.Owner == owner })
}

func (r *Registry) list(ctx context.Context, keep func(Trigger) bool) ([]Trigger, error) {
	r.mu.Lock()
	all, err := r.repo.List(ctx)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]Trigger, 0, len(all))
	for _, t := range all {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// MarkFired 仅当触发器仍为 ACTIVE 时转为 FIRED。
func (r *Registry) MarkFired(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, id, StatusFired, "")
}

// MarkExpired 仅当触发器仍为 ACTIVE 时转为 EXPIRED。
func (r *Registry) MarkExpired(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, id, StatusExpired, "ttl elapsed")
}

// MarkCancelled 由系统取消触发器，例如余额不足或重试耗尽。
func (r *Registry) MarkCancelled(ctx context.Context, id, reason string) (bool, error) {
	return r.transition(ctx, id, StatusCancelled, reason)
}

func (r *Registry) transition(ctx context.Context, id string, to Status, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if t.Status != StatusActive {
		return false, nil
	}

	if err := r.finishLocked(ctx, &t, to, reason); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) finishLocked(ctx context.Context, t *Trigger, to Status, reason string) error {
	t.Status = to
	t.Reason = reason
	t.UpdatedAt = r.now()
	if err := r.repo.Put(ctx, *t); err != nil {
		return err
	}

	r.logger.Info("触发器状态变更",
		zap.String("trigger_id", t.ID),
		zap.String("owner", t.Owner),
		zap.String("status", string(to)),
		zap.String("reason", reason),
	)
	return nil
}

// RecordFailure 记录一次执行失败并返回累计失败次数，触发器保持 ACTIVE。
func (r *Registry) RecordFailure(ctx context.Context, id string, cause error) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.repo.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if t.Status != StatusActive {
		return t.Attempts, nil
	}

	t.Attempts++
	if cause != nil {
		t.LastError = cause.Error()
	}
	t.UpdatedAt = r.now()
	if err := r.repo.Put(ctx, t); err != nil {
		return 0, err
	}
	return t.Attempts, nil
}

// ExpireOlderThan 将创建时间早于 now-ttl 的活跃触发器转为 EXPIRED，返回被过期的触发器。
func (r *Registry) ExpireOlderThan(ctx context.Context, ttl time.Duration, now time.Time) ([]Trigger, error) {
	if ttl <= 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-ttl)
	expired := make([]Trigger, 0)
	for _, t := range all {
		if t.Status != StatusActive || !t.CreatedAt.Before(cutoff) {
			continue
		}
		if err := r.finishLocked(ctx, &t, StatusExpired, fmt.Sprintf("ttl %s elapsed", ttl)); err != nil {
			return expired, err
		}
		expired = append(expired, t)
	}
	return expired, nil
}
