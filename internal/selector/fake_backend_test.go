package selector

import (
	"context"
	"sync"
	"time"

	"authcore/internal/credtypes"
)

// fakeBackend is a minimal in-memory Backend for selector unit tests,
// mirroring the shape of store.Store without touching disk.
type fakeBackend struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[int64]credtypes.StoredCredential
	cache   map[string]cacheEntry
}

type cacheEntry struct {
	value     string
	expiresAt int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: map[int64]credtypes.StoredCredential{}, cache: map[string]cacheEntry{}}
}

func (b *fakeBackend) ListAuthCredentials(ctx context.Context, provider string) ([]credtypes.StoredCredential, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []credtypes.StoredCredential
	maxID := int64(0)
	for id := range b.rows {
		if id > maxID {
			maxID = id
		}
	}
	for id := int64(1); id <= maxID; id++ {
		row, ok := b.rows[id]
		if !ok || row.Disabled {
			continue
		}
		if provider != "" && row.Provider != provider {
			continue
		}
		out = append(out, row.Clone())
	}
	return out, nil
}

func (b *fakeBackend) ReplaceForProvider(ctx context.Context, provider string, credentials []credtypes.Credential) ([]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, row := range b.rows {
		if row.Provider == provider {
			row.Disabled = true
			b.rows[id] = row
		}
	}
	ids := make([]int64, 0, len(credentials))
	for _, c := range credentials {
		b.nextID++
		id := b.nextID
		b.rows[id] = credtypes.StoredCredential{ID: id, Provider: provider, Credential: c, CreatedAt: time.Now(), UpdatedAt: time.Now()}
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *fakeBackend) UpdateAuthCredential(ctx context.Context, id int64, credential credtypes.Credential) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row, ok := b.rows[id]
	if !ok {
		return
	}
	row.Credential = credential
	b.rows[id] = row
}

func (b *fakeBackend) DeleteAuthCredential(ctx context.Context, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row, ok := b.rows[id]
	if !ok {
		return
	}
	row.Disabled = true
	b.rows[id] = row
}

func (b *fakeBackend) DeleteAuthCredentialsForProvider(ctx context.Context, provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, row := range b.rows {
		if row.Provider == provider {
			row.Disabled = true
			b.rows[id] = row
		}
	}
}

func (b *fakeBackend) GetCache(ctx context.Context, key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.cache[key]
	if !ok || entry.expiresAt <= time.Now().Unix() {
		return "", false
	}
	return entry.value, true
}

func (b *fakeBackend) SetCache(ctx context.Context, key, value string, expiresAtSec int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache[key] = cacheEntry{value: value, expiresAt: expiresAtSec}
}

func (b *fakeBackend) Path() string { return ":memory:" }

// seed inserts rows directly (not via ReplaceForProvider) so tests can
// control insertion order precisely, as the S1-S7 scenarios require.
func (b *fakeBackend) seed(provider string, credentials ...credtypes.Credential) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]int64, 0, len(credentials))
	for _, c := range credentials {
		b.nextID++
		id := b.nextID
		b.rows[id] = credtypes.StoredCredential{ID: id, Provider: provider, Credential: c, CreatedAt: time.Now(), UpdatedAt: time.Now()}
		ids = append(ids, id)
	}
	return ids
}
