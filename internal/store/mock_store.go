// ABOUTME: In-memory Store implementation for testing
// ABOUTME: Allows internal/queue, internal/commands and internal/eventloop tests to run without Postgres

package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/krapmatt/krapbott-gateway/internal/identity"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	users   map[identity.UserId]*StreamUser
	rows    map[identity.ChannelId][]QueueRow
	configs map[identity.ChannelId]ChannelConfig
	aliases map[identity.ChannelId]AliasConfig
	bans    map[string]*BanEntry
	sess    map[string]*Session
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:   make(map[identity.UserId]*StreamUser),
		rows:    make(map[identity.ChannelId][]QueueRow),
		configs: make(map[identity.ChannelId]ChannelConfig),
		aliases: make(map[identity.ChannelId]AliasConfig),
		bans:    make(map[string]*BanEntry),
		sess:    make(map[string]*Session),
	}
}

func (m *MockStore) UpsertStreamUser(ctx context.Context, u *StreamUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MockStore) GetStreamUser(ctx context.Context, id identity.UserId) (*StreamUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MockStore) GetStreamUserByLogin(ctx context.Context, p identity.Platform, login string) (*StreamUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.ID.Platform == p && strings.EqualFold(u.Login, login) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) GetQueueRows(ctx context.Context, channel identity.ChannelId) ([]QueueRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneSortedRows(m.rows[channel]), nil
}

func (m *MockStore) GetQueueRow(ctx context.Context, channel identity.ChannelId, user identity.UserId) (*QueueRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rows[channel] {
		if r.UserID == user {
			cp := r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) GetQueueRowByBungieName(ctx context.Context, channel identity.ChannelId, bungieName string) (*QueueRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rows[channel] {
		if r.BungieName == bungieName {
			cp := r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// mockQueueTx implements QueueTx over an in-memory copy of one
// channel's rows, applied back to the MockStore only on a nil return
// from the fn passed to WithQueueTx. This emulates transaction
// isolation without a real SQL engine.
type mockQueueTx struct {
	rows     []QueueRow
	runsDiff int
}

func (tx *mockQueueTx) Rows(ctx context.Context) ([]QueueRow, error) {
	return cloneSortedRows(tx.rows), nil
}

func (tx *mockQueueTx) Insert(ctx context.Context, row QueueRow) error {
	tx.rows = append(tx.rows, row)
	return nil
}

func (tx *mockQueueTx) Update(ctx context.Context, row QueueRow) error {
	for i, r := range tx.rows {
		if r.UserID == row.UserID {
			tx.rows[i] = row
			return nil
		}
	}
	return ErrNotFound
}

func (tx *mockQueueTx) Delete(ctx context.Context, user identity.UserId) error {
	for i, r := range tx.rows {
		if r.UserID == user {
			tx.rows = append(tx.rows[:i], tx.rows[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (tx *mockQueueTx) Repack(ctx context.Context) error {
	sort.Slice(tx.rows, func(i, j int) bool { return tx.rows[i].Position < tx.rows[j].Position })
	for i := range tx.rows {
		tx.rows[i].Position = i + 1
	}
	return nil
}

func (tx *mockQueueTx) ShiftPositions(ctx context.Context, fromPos, delta int) error {
	for i := range tx.rows {
		if tx.rows[i].Position >= fromPos {
			tx.rows[i].Position += delta
		}
	}
	return nil
}

func (tx *mockQueueTx) IncrementRuns(ctx context.Context) error {
	tx.runsDiff++
	return nil
}

func (m *MockStore) WithQueueTx(ctx context.Context, channel identity.ChannelId, fn func(tx QueueTx) error) error {
	m.mu.Lock()
	tx := &mockQueueTx{rows: cloneSortedRows(m.rows[channel])}
	m.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[channel] = tx.rows
	if tx.runsDiff != 0 {
		cfg := m.configs[channel]
		cfg.Runs += tx.runsDiff
		m.configs[channel] = cfg
	}
	return nil
}

func (m *MockStore) SaveChannelConfig(ctx context.Context, channel identity.ChannelId, cfg ChannelConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[channel] = cfg
	return nil
}

func (m *MockStore) GetChannelConfig(ctx context.Context, channel identity.ChannelId) (ChannelConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[channel]
	if !ok {
		return ChannelConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (m *MockStore) LoadBotConfig(ctx context.Context) (map[identity.ChannelId]ChannelConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[identity.ChannelId]ChannelConfig, len(m.configs))
	for k, v := range m.configs {
		out[k] = v
	}
	return out, nil
}

func (m *MockStore) GetAliasConfig(ctx context.Context, channel identity.ChannelId) (AliasConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.aliases[channel]
	if !ok {
		return NewAliasConfig(), nil
	}
	return cloneAliasConfig(cfg), nil
}

func (m *MockStore) SaveAliasConfig(ctx context.Context, channel identity.ChannelId, cfg AliasConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aliases[channel] = cloneAliasConfig(cfg)
	return nil
}

func (m *MockStore) GetBan(ctx context.Context, membershipID string) (*BanEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bans[membershipID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// PutBan is a test helper for seeding BanList entries (no engine
// operation mutates bans, so the real Store has no public writer
// either; Postgres bans are maintained out of band).
func (m *MockStore) PutBan(b *BanEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bans[b.MembershipID] = &cp
}

func (m *MockStore) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sess[s.SessionID] = &cp
	return nil
}

func (m *MockStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sess[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MockStore) Close() error { return nil }

func cloneSortedRows(rows []QueueRow) []QueueRow {
	out := make([]QueueRow, len(rows))
	copy(out, rows)
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func cloneAliasConfig(cfg AliasConfig) AliasConfig {
	out := NewAliasConfig()
	for k, v := range cfg.Aliases {
		out.Aliases[k] = v
	}
	for k, v := range cfg.DisabledCommands {
		out.DisabledCommands[k] = v
	}
	for k, v := range cfg.RemovedAliases {
		out.RemovedAliases[k] = v
	}
	return out
}
