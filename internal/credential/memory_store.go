package credential

import (
	"context"
	"fmt"
	"sync"

	"PolyChat/internal/config"
	"PolyChat/internal/provider"
)

// MemoryStore keeps credentials in process, mainly for tests and single
// node deployments seeded from config.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]map[provider.Family]Credential
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]map[provider.Family]Credential)}
}

// NewMemoryStoreFromSeed loads the seed section of the configuration.
func NewMemoryStoreFromSeed(seed map[string]map[string]config.CredentialSeed) (*MemoryStore, error) {
	store := NewMemoryStore()
	for userID, families := range seed {
		for name, entry := range families {
			family, ok := provider.ParseFamily(name)
			if !ok {
				return nil, fmt.Errorf("seed for %s: unknown provider family %q", userID, name)
			}
			cred, err := FromParts(entry.Mode, entry.Secret)
			if err != nil {
				return nil, fmt.Errorf("seed for %s/%s: %w", userID, name, err)
			}
			store.Set(userID, family, cred)
		}
	}
	return store, nil
}

// Set stores cred for userID and family.
func (m *MemoryStore) Set(userID string, family provider.Family, cred Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byFamily, ok := m.creds[userID]
	if !ok {
		byFamily = make(map[provider.Family]Credential)
		m.creds[userID] = byFamily
	}
	byFamily[family] = cred
}

// Lookup implements Store.
func (m *MemoryStore) Lookup(_ context.Context, userID string, family provider.Family) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cred, ok := m.creds[userID][family]; ok {
		return cred, nil
	}
	return Absent(), nil
}
