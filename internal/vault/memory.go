package vault

import (
	"context"
	"sync"

	"AgentVault/internal/model"
)

// MemoryStore 将金库保存在进程内存中。
type MemoryStore struct {
	mu     sync.RWMutex
	vaults map[string]*model.Vault
	locks  *Locker
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vaults: make(map[string]*model.Vault), locks: NewLocker()}
}

// Get 实现 Store 接口。
func (s *MemoryStore) Get(ctx context.Context, userID string) (*model.Vault, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vaults[userID]
	if !ok {
		return nil, NotFound(userID)
	}
	return v.Clone(), nil
}

// GetOrCreate 实现 Store 接口。
func (s *MemoryStore) GetOrCreate(ctx context.Context, userID string, create Factory) (*model.Vault, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	if v, err := s.Get(ctx, userID); err == nil {
		return v, nil
	} else if !isNotFound(err) {
		return nil, err
	}

	v, err := create(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.vaults[userID] = v.Clone()
	s.mu.Unlock()
	return v.Clone(), nil
}

// Update 实现 Store 接口。
func (s *MemoryStore) Update(ctx context.Context, userID string, fn MutateFunc) (*model.Vault, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	current, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := fn(current); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.vaults[userID] = current.Clone()
	s.mu.Unlock()
	return current, nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
