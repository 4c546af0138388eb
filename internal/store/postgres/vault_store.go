package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// VaultStore implements domain.VaultStore.
type VaultStore struct {
	pool *pgxpool.Pool
}

// NewVaultStore creates a VaultStore backed by pool.
func NewVaultStore(pool *pgxpool.Pool) *VaultStore {
	return &VaultStore{pool: pool}
}

// SaveSlot upserts slot and the given share balances in one transaction.
func (s *VaultStore) SaveSlot(ctx context.Context, slot domain.AssetSlot, balances ...domain.ShareBalance) error {
	const upsertSlot = `
		INSERT INTO asset_slots (asset, total_shares, total_assets_held, allocated, cumulative_yield, last_update, active)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6, $7)
		ON CONFLICT (asset) DO UPDATE SET
			total_shares      = EXCLUDED.total_shares,
			total_assets_held = EXCLUDED.total_assets_held,
			allocated         = EXCLUDED.allocated,
			cumulative_yield  = EXCLUDED.cumulative_yield,
			last_update       = EXCLUDED.last_update,
			active            = EXCLUDED.active`
	const upsertBalance = `
		INSERT INTO share_balances (asset, holder, shares) VALUES ($1, $2, $3::numeric)
		ON CONFLICT (asset, holder) DO UPDATE SET shares = EXCLUDED.shares`

	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertSlot,
			slot.Asset, num(slot.TotalShares), num(slot.TotalAssetsHeld),
			num(slot.AllocatedToStrategies), num(slot.CumulativeYield), slot.LastUpdate, slot.Active,
		); err != nil {
			return err
		}
		if len(balances) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, b := range balances {
			batch.Queue(upsertBalance, b.Asset, b.Holder, num(b.Shares))
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("postgres: save slot %s: %w", slot.Asset, err)
	}
	return nil
}

// ListSlots returns every asset slot ordered by asset.
func (s *VaultStore) ListSlots(ctx context.Context) ([]domain.AssetSlot, error) {
	const query = `
		SELECT asset, total_shares::text, total_assets_held::text, allocated::text,
		       cumulative_yield::text, last_update, active
		FROM asset_slots ORDER BY asset`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list slots: %w", err)
	}
	defer rows.Close()

	var out []domain.AssetSlot
	for rows.Next() {
		var slot domain.AssetSlot
		var n numScanner
		if err := rows.Scan(&slot.Asset,
			n.add("total_shares", &slot.TotalShares),
			n.add("total_assets_held", &slot.TotalAssetsHeld),
			n.add("allocated", &slot.AllocatedToStrategies),
			n.add("cumulative_yield", &slot.CumulativeYield),
			&slot.LastUpdate, &slot.Active,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan slot: %w", err)
		}
		if err := n.parse(); err != nil {
			return nil, err
		}
		out = append(out, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list slots rows: %w", err)
	}
	return out, nil
}

// ListShareBalances returns every non-zero share balance.
func (s *VaultStore) ListShareBalances(ctx context.Context) ([]domain.ShareBalance, error) {
	const query = `SELECT asset, holder, shares::text FROM share_balances WHERE shares > 0 ORDER BY asset, holder`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list share balances: %w", err)
	}
	defer rows.Close()

	var out []domain.ShareBalance
	for rows.Next() {
		var b domain.ShareBalance
		var n numScanner
		if err := rows.Scan(&b.Asset, &b.Holder, n.add("shares", &b.Shares)); err != nil {
			return nil, fmt.Errorf("postgres: scan share balance: %w", err)
		}
		if err := n.parse(); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list share balances rows: %w", err)
	}
	return out, nil
}

var _ domain.VaultStore = (*VaultStore)(nil)
