package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// StrategyStore implements domain.StrategyStore.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a StrategyStore backed by pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

// SaveStrategy upserts a strategy. Entrypoints are stored as a JSON array.
func (s *StrategyStore) SaveStrategy(ctx context.Context, st domain.Strategy) error {
	entrypoints := st.Entrypoints
	if entrypoints == nil {
		entrypoints = []string{}
	}
	epJSON, err := json.Marshal(entrypoints)
	if err != nil {
		return fmt.Errorf("postgres: marshal entrypoints: %w", err)
	}
	createdAt := st.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO strategies (id, name, domain_id, entrypoints, active, total_allocated, last_update, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name            = EXCLUDED.name,
			entrypoints     = EXCLUDED.entrypoints,
			active          = EXCLUDED.active,
			total_allocated = EXCLUDED.total_allocated,
			last_update     = EXCLUDED.last_update`
	_, err = s.pool.Exec(ctx, query,
		int64(st.ID), st.Name, int64(st.Domain), epJSON, st.Active,
		num(st.TotalAllocated), st.LastUpdate, createdAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save strategy %d: %w", st.ID, err)
	}
	return nil
}

// ListStrategies returns all strategies ordered by id.
func (s *StrategyStore) ListStrategies(ctx context.Context) ([]domain.Strategy, error) {
	const query = `
		SELECT id, name, domain_id, entrypoints, active, total_allocated::text, last_update, created_at
		FROM strategies ORDER BY id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		var (
			st           domain.Strategy
			id, domainID int64
			epJSON       []byte
			n            numScanner
		)
		if err := rows.Scan(&id, &st.Name, &domainID, &epJSON, &st.Active,
			n.add("total_allocated", &st.TotalAllocated), &st.LastUpdate, &st.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan strategy: %w", err)
		}
		if err := n.parse(); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(epJSON, &st.Entrypoints); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal entrypoints of %d: %w", id, err)
		}
		st.ID = uint64(id)
		st.Domain = uint32(domainID)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list strategies rows: %w", err)
	}
	return out, nil
}

// SaveAllocations upserts allocations in one transaction.
func (s *StrategyStore) SaveAllocations(ctx context.Context, allocs ...domain.Allocation) error {
	if len(allocs) == 0 {
		return nil
	}
	const query = `
		INSERT INTO allocations (strategy_id, asset, domain_id, principal, current_value,
			pending_deposit, pending_withdrawal, total_harvested, last_harvest, active, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11)
		ON CONFLICT (strategy_id, asset) DO UPDATE SET
			domain_id          = EXCLUDED.domain_id,
			principal          = EXCLUDED.principal,
			current_value      = EXCLUDED.current_value,
			pending_deposit    = EXCLUDED.pending_deposit,
			pending_withdrawal = EXCLUDED.pending_withdrawal,
			total_harvested    = EXCLUDED.total_harvested,
			last_harvest       = EXCLUDED.last_harvest,
			active             = EXCLUDED.active,
			updated_at         = EXCLUDED.updated_at`

	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, a := range allocs {
			var lastHarvest *time.Time
			if !a.LastHarvest.IsZero() {
				t := a.LastHarvest
				lastHarvest = &t
			}
			batch.Queue(query,
				int64(a.StrategyID), a.Asset, int64(a.Domain),
				num(a.Principal), num(a.CurrentValue), num(a.PendingDeposit),
				num(a.PendingWithdrawal), num(a.TotalHarvested),
				lastHarvest, a.Active, a.UpdatedAt,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("postgres: save allocations: %w", err)
	}
	return nil
}

// ListAllocations returns every allocation ordered by strategy and asset.
func (s *StrategyStore) ListAllocations(ctx context.Context) ([]domain.Allocation, error) {
	const query = `
		SELECT strategy_id, asset, domain_id, principal::text, current_value::text,
		       pending_deposit::text, pending_withdrawal::text, total_harvested::text,
		       last_harvest, active, updated_at
		FROM allocations ORDER BY strategy_id, asset`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list allocations: %w", err)
	}
	defer rows.Close()

	var out []domain.Allocation
	for rows.Next() {
		var (
			a                 domain.Allocation
			strategyID, domID int64
			lastHarvest       *time.Time
			n                 numScanner
		)
		if err := rows.Scan(&strategyID, &a.Asset, &domID,
			n.add("principal", &a.Principal),
			n.add("current_value", &a.CurrentValue),
			n.add("pending_deposit", &a.PendingDeposit),
			n.add("pending_withdrawal", &a.PendingWithdrawal),
			n.add("total_harvested", &a.TotalHarvested),
			&lastHarvest, &a.Active, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan allocation: %w", err)
		}
		if err := n.parse(); err != nil {
			return nil, err
		}
		a.StrategyID = uint64(strategyID)
		a.Domain = uint32(domID)
		if lastHarvest != nil {
			a.LastHarvest = *lastHarvest
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list allocations rows: %w", err)
	}
	return out, nil
}

// SaveMember adds id to the given registry role. Adding twice is a no-op.
func (s *StrategyStore) SaveMember(ctx context.Context, role, id string) error {
	const query = `INSERT INTO registry_members (role, member_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, role, id); err != nil {
		return fmt.Errorf("postgres: save %s %s: %w", role, id, err)
	}
	return nil
}

// ListMembers returns the members of role in insertion order.
func (s *StrategyStore) ListMembers(ctx context.Context, role string) ([]string, error) {
	const query = `SELECT member_id FROM registry_members WHERE role = $1 ORDER BY added_at, member_id`
	rows, err := s.pool.Query(ctx, query, role)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s members: %w", role, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: collect %s members: %w", role, err)
	}
	return ids, nil
}

// SaveSetting upserts a registry setting.
func (s *StrategyStore) SaveSetting(ctx context.Context, key, value string) error {
	const query = `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("postgres: save setting %s: %w", key, err)
	}
	return nil
}

// Settings returns every stored setting.
func (s *StrategyStore) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("postgres: scan setting: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list settings rows: %w", err)
	}
	return out, nil
}

var _ domain.StrategyStore = (*StrategyStore)(nil)
