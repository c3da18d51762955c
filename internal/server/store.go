package server

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrKitNotFound   = errors.New("kit not found")
	ErrNotAuthorized = errors.New("not authorized")
)

// KitAccess is what the authorization rule needs to know about a kit and the
// caller.
type KitAccess struct {
	Serial          string
	PublicDashboard bool
	Member          bool
}

type Store interface {
	KitAccess(ctx context.Context, kitSerial string, username string) (KitAccess, error)
	Ping(ctx context.Context) error
	Close()
}

// MemoryStore is the kit directory used when no database is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	kits map[string]*memoryKit
}

type memoryKit struct {
	public  bool
	members map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{kits: make(map[string]*memoryKit)}
}

func (store *MemoryStore) AddKit(serial string, public bool) {
	store.mu.Lock()
	defer store.mu.Unlock()

	kit, exists := store.kits[serial]
	if !exists {
		kit = &memoryKit{members: map[string]struct{}{}}
		store.kits[serial] = kit
	}
	kit.public = kit.public || public
}

func (store *MemoryStore) AddMember(serial string, username string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	kit, exists := store.kits[serial]
	if !exists {
		return ErrKitNotFound
	}
	kit.members[username] = struct{}{}
	return nil
}

func (store *MemoryStore) KitAccess(_ context.Context, kitSerial string, username string) (KitAccess, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	kit, exists := store.kits[kitSerial]
	if !exists {
		return KitAccess{}, ErrKitNotFound
	}

	access := KitAccess{Serial: kitSerial, PublicDashboard: kit.public}
	if username != "" {
		_, access.Member = kit.members[username]
	}
	return access, nil
}

func (store *MemoryStore) Ping(context.Context) error {
	return nil
}

func (store *MemoryStore) Close() {}

var _ Store = (*MemoryStore)(nil)
