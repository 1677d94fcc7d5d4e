package execution

import "sync"

// walletLocks 按钱包地址提供独立互斥锁，保证同一钱包的交易串行提交。
type walletLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newWalletLocks() *walletLocks {
	return &walletLocks{locks: make(map[string]*sync.Mutex)}
}

func (w *walletLocks) lock(address string) func() {
	w.mu.Lock()
	l, ok := w.locks[address]
	if !ok {
		l = &sync.Mutex{}
		w.locks[address] = l
	}
	w.mu.Unlock()

	l.Lock()
	return l.Unlock
}
