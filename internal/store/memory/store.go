// Package memory provides in-process implementations of the domain stores.
// It backs tests and single-process deployments that run without PostgreSQL.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// Store implements domain.VaultStore, domain.StrategyStore,
// domain.TransferStore and domain.AuditStore.
type Store struct {
	mu sync.RWMutex

	slots       map[string]domain.AssetSlot
	balances    map[string]domain.ShareBalance // asset|holder
	strategies  map[uint64]domain.Strategy
	allocations map[domain.AllocationKey]domain.Allocation
	members     map[string]map[string]struct{}
	settings    map[string]string
	domains     map[uint32]domain.DomainInfo
	transfers   map[string]domain.Transfer
	processed   map[string]struct{}
	audit       []domain.AuditEntry

	failErr error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		slots:       make(map[string]domain.AssetSlot),
		balances:    make(map[string]domain.ShareBalance),
		strategies:  make(map[uint64]domain.Strategy),
		allocations: make(map[domain.AllocationKey]domain.Allocation),
		members:     make(map[string]map[string]struct{}),
		settings:    make(map[string]string),
		domains:     make(map[uint32]domain.DomainInfo),
		transfers:   make(map[string]domain.Transfer),
		processed:   make(map[string]struct{}),
	}
}

// FailWrites makes every subsequent write return err. Pass nil to clear.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

// --- VaultStore -----------------------------------------------------------

func (s *Store) SaveSlot(_ context.Context, slot domain.AssetSlot, balances ...domain.ShareBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.slots[slot.Asset] = slot
	for _, b := range balances {
		s.balances[b.Asset+"|"+b.Holder] = b
	}
	return nil
}

func (s *Store) ListSlots(context.Context) ([]domain.AssetSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AssetSlot, 0, len(s.slots))
	for _, v := range s.slots {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (s *Store) ListShareBalances(context.Context) ([]domain.ShareBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ShareBalance, 0, len(s.balances))
	for _, v := range s.balances {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Asset != out[j].Asset {
			return out[i].Asset < out[j].Asset
		}
		return out[i].Holder < out[j].Holder
	})
	return out, nil
}

// --- StrategyStore --------------------------------------------------------

func (s *Store) SaveStrategy(_ context.Context, st domain.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	st.Entrypoints = append([]string(nil), st.Entrypoints...)
	s.strategies[st.ID] = st
	return nil
}

func (s *Store) ListStrategies(context.Context) ([]domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Strategy, 0, len(s.strategies))
	for _, v := range s.strategies {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveAllocations(_ context.Context, allocs ...domain.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	for _, a := range allocs {
		s.allocations[a.Key()] = a
	}
	return nil
}

func (s *Store) ListAllocations(context.Context) ([]domain.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Allocation, 0, len(s.allocations))
	for _, v := range s.allocations {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StrategyID != out[j].StrategyID {
			return out[i].StrategyID < out[j].StrategyID
		}
		return out[i].Asset < out[j].Asset
	})
	return out, nil
}

func (s *Store) SaveMember(_ context.Context, role, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	m, ok := s.members[role]
	if !ok {
		m = make(map[string]struct{})
		s.members[role] = m
	}
	m[id] = struct{}{}
	return nil
}

func (s *Store) ListMembers(_ context.Context, role string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.members[role]))
	for id := range s.members[role] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SaveSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.settings[key] = value
	return nil
}

func (s *Store) Settings(context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

// --- TransferStore --------------------------------------------------------

func (s *Store) SaveDomain(_ context.Context, d domain.DomainInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.domains[d.ID] = d
	return nil
}

func (s *Store) ListDomains(context.Context) ([]domain.DomainInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DomainInfo, 0, len(s.domains))
	for _, v := range s.domains {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveTransfer(_ context.Context, t domain.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.transfers[t.MessageID] = t
	return nil
}

func (s *Store) GetTransfer(_ context.Context, messageID string) (domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[messageID]
	if !ok {
		return domain.Transfer{}, fmt.Errorf("memory: transfer %s: %w", messageID, domain.ErrNotFound)
	}
	return t, nil
}

func (s *Store) ListTransfers(_ context.Context, status domain.TransferStatus, opts domain.ListOpts) ([]domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Transfer
	for _, t := range s.transfers {
		if status != "" && t.Status != status {
			continue
		}
		if opts.Since != nil && t.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && t.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].MessageID < out[j].MessageID
	})
	return paginate(out, opts), nil
}

func (s *Store) CommitReceipt(_ context.Context, messageID string, transfers ...domain.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if _, ok := s.processed[messageID]; ok {
		return fmt.Errorf("memory: receipt %s: %w", messageID, domain.ErrMessageAlreadyProcessed)
	}
	s.processed[messageID] = struct{}{}
	for _, t := range transfers {
		s.transfers[t.MessageID] = t
	}
	return nil
}

func (s *Store) ProcessedIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.processed))
	for id := range s.processed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// --- AuditStore -----------------------------------------------------------

func (s *Store) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.audit = append(s.audit, domain.AuditEntry{
		ID:        int64(len(s.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *Store) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditEntry, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return paginate(out, opts), nil
}

func paginate[T any](in []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(in) {
			return nil
		}
		in = in[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(in) {
		in = in[:opts.Limit]
	}
	return in
}
