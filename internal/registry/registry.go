// Package registry persists the gateway's versioned JSON documents: the
// tenant directory and the platform state (users, API keys, ledger,
// withdrawals, audit log, wallet challenges). The core is storage-agnostic
// behind the Store interface; a file backend and a Postgres backend ship
// with the gateway.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ferdiboxman/402claw-sub000/internal/ledger"
	"github.com/ferdiboxman/402claw-sub000/pkg/models"
)

// Well-known document names
const (
	DocTenantDirectory = "tenant_directory"
	DocPlatformState   = "platform_state"
)

// ErrNotFound is returned when a document has never been saved
var ErrNotFound = errors.New("document not found")

// Store is the load/save contract. Save bumps and returns the document
// version; implementations must make the version increment atomic.
type Store interface {
	Load(ctx context.Context, name string) (data []byte, version int, err error)
	Save(ctx context.Context, name string, data []byte) (version int, err error)
}

// PlatformState is the persisted platform document content
type PlatformState struct {
	Version          int                      `json:"version"`
	UpdatedAt        time.Time                `json:"updatedAt"`
	Users            []models.User            `json:"users"`
	APIKeys          []models.APIKey          `json:"apiKeys"`
	Ledger           []models.LedgerEntry     `json:"ledger"`
	Withdrawals      []models.Withdrawal      `json:"withdrawals"`
	AuditEvents      []models.AuditEvent      `json:"auditEvents"`
	WalletChallenges []models.WalletChallenge `json:"walletChallenges"`
}

// Registry wraps a Store with typed accessors for the two documents. All
// platform-state mutations go through UpdatePlatformState, which serializes
// the load-modify-save cycle under one mutex: concurrent writers through
// separate cycles would silently drop each other's sections.
type Registry struct {
	mu    sync.Mutex
	store Store
}

// New creates a registry over a store
func New(store Store) *Registry {
	return &Registry{store: store}
}

// LoadPlatformState reads the platform document. A missing document yields
// an empty state, not an error: first boot starts from nothing.
func (r *Registry) LoadPlatformState(ctx context.Context) (*PlatformState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadPlatformStateLocked(ctx)
}

// UpdatePlatformState runs mutate against the current platform document and
// persists the result as one atomic cycle. A mutate error aborts without
// saving. This is the only write path for the platform document.
func (r *Registry) UpdatePlatformState(ctx context.Context, mutate func(*PlatformState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.loadPlatformStateLocked(ctx)
	if err != nil {
		return err
	}
	if err := mutate(state); err != nil {
		return err
	}
	_, err = r.savePlatformStateLocked(ctx, state)
	return err
}

func (r *Registry) loadPlatformStateLocked(ctx context.Context) (*PlatformState, error) {
	data, version, err := r.store.Load(ctx, DocPlatformState)
	if errors.Is(err, ErrNotFound) {
		return &PlatformState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load platform state: %w", err)
	}

	var state PlatformState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt platform state document: %w", err)
	}
	state.Version = version
	return &state, nil
}

func (r *Registry) savePlatformStateLocked(ctx context.Context, state *PlatformState) (int, error) {
	state.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("failed to encode platform state: %w", err)
	}
	version, err := r.store.Save(ctx, DocPlatformState, data)
	if err != nil {
		return 0, fmt.Errorf("failed to save platform state: %w", err)
	}
	state.Version = version
	return version, nil
}

// LoadDirectoryDocument reads the raw tenant directory document
func (r *Registry) LoadDirectoryDocument(ctx context.Context) ([]byte, error) {
	data, _, err := r.store.Load(ctx, DocTenantDirectory)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SaveDirectoryDocument writes the tenant directory document
func (r *Registry) SaveDirectoryDocument(ctx context.Context, data []byte) (int, error) {
	return r.store.Save(ctx, DocTenantDirectory, data)
}

// LedgerPersister adapts the registry into the ledger's Persister: each
// ledger mutation rewrites the ledger and withdrawal sections of the
// platform document while preserving the rest.
type LedgerPersister struct {
	registry *Registry
}

// NewLedgerPersister creates the adapter
func NewLedgerPersister(registry *Registry) *LedgerPersister {
	return &LedgerPersister{registry: registry}
}

func (p *LedgerPersister) SaveLedger(ctx context.Context, state ledger.State) error {
	return p.registry.UpdatePlatformState(ctx, func(platform *PlatformState) error {
		platform.Ledger = state.Entries
		platform.Withdrawals = state.Withdrawals
		return nil
	})
}
