package trigger

import (
	"context"
	"sync"
)

// Repository 抽象触发器持久化，List 必须保持插入顺序。
type Repository interface {
	Get(ctx context.Context, id string) (Trigger, error)
	Put(ctx context.Context, t Trigger) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Trigger, error)
}

// MemoryRepository 为进程内实现，进程退出即丢失。
type MemoryRepository struct {
	mu    sync.RWMutex
	data  map[string]Trigger
	order []string
}

// NewMemoryRepository 创建内存仓库。
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		data: make(map[string]Trigger),
	}
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.data[id]
	if !ok {
		return Trigger{}, ErrNotFound
	}
	return t, nil
}

func (r *MemoryRepository) Put(_ context.Context, t Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.data[t.ID]; !exists {
		r.order = append(r.order, t.ID)
	}
	r.data[t.ID] = t
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.data[id]; !exists {
		return ErrNotFound
	}
	delete(r.data, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *MemoryRepository) List(_ context.Context) ([]Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Trigger, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.data[id])
	}
	return out, nil
}

var _ Repository = (*MemoryRepository)(nil)
