package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// TransferStore implements domain.TransferStore.
type TransferStore struct {
	pool *pgxpool.Pool
}

// NewTransferStore creates a TransferStore backed by pool.
func NewTransferStore(pool *pgxpool.Pool) *TransferStore {
	return &TransferStore{pool: pool}
}

// SaveDomain upserts a registered domain.
func (s *TransferStore) SaveDomain(ctx context.Context, d domain.DomainInfo) error {
	const query = `
		INSERT INTO domains (id, remote_coordinator, active, total_value_locked, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5)
		ON CONFLICT (id) DO UPDATE SET
			remote_coordinator = EXCLUDED.remote_coordinator,
			active             = EXCLUDED.active,
			total_value_locked = EXCLUDED.total_value_locked,
			updated_at         = EXCLUDED.updated_at`
	_, err := s.pool.Exec(ctx, query, int64(d.ID), d.RemoteCoordinator, d.Active, num(d.TotalValueLocked), d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save domain %d: %w", d.ID, err)
	}
	return nil
}

// ListDomains returns all registered domains ordered by id.
func (s *TransferStore) ListDomains(ctx context.Context) ([]domain.DomainInfo, error) {
	const query = `SELECT id, remote_coordinator, active, total_value_locked::text, updated_at FROM domains ORDER BY id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list domains: %w", err)
	}
	defer rows.Close()

	var out []domain.DomainInfo
	for rows.Next() {
		var (
			d  domain.DomainInfo
			id int64
			n  numScanner
		)
		if err := rows.Scan(&id, &d.RemoteCoordinator, &d.Active,
			n.add("total_value_locked", &d.TotalValueLocked), &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan domain: %w", err)
		}
		if err := n.parse(); err != nil {
			return nil, err
		}
		d.ID = uint32(id)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list domains rows: %w", err)
	}
	return out, nil
}

const upsertTransfer = `
	INSERT INTO transfers (message_id, deposit_id, kind, strategy_id, source_domain, destination_domain,
		asset, target_asset, amount, settled_amount, pool_id, status, failure_reason, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11, $12, $13, $14, $15)
	ON CONFLICT (message_id) DO UPDATE SET
		settled_amount = EXCLUDED.settled_amount,
		status         = EXCLUDED.status,
		failure_reason = EXCLUDED.failure_reason,
		updated_at     = EXCLUDED.updated_at`

func transferArgs(t domain.Transfer) []any {
	return []any{
		t.MessageID, t.DepositID, string(t.Kind), int64(t.StrategyID),
		int64(t.SourceDomain), int64(t.DestinationDomain), t.Asset, t.TargetAsset,
		num(t.Amount), num(t.SettledAmount), t.PoolID, string(t.Status), t.FailureReason,
		t.CreatedAt, t.UpdatedAt,
	}
}

// SaveTransfer upserts a transfer. Only the mutable columns change on
// conflict.
func (s *TransferStore) SaveTransfer(ctx context.Context, t domain.Transfer) error {
	if _, err := s.pool.Exec(ctx, upsertTransfer, transferArgs(t)...); err != nil {
		return fmt.Errorf("postgres: save transfer %s: %w", t.MessageID, err)
	}
	return nil
}

const transferColumns = `message_id, deposit_id, kind, strategy_id, source_domain, destination_domain,
	asset, target_asset, amount::text, settled_amount::text, pool_id, status, failure_reason, created_at, updated_at`

func scanTransfer(row pgx.Row) (domain.Transfer, error) {
	var (
		t                     domain.Transfer
		kind, status          string
		strategyID, src, dest int64
		n                     numScanner
	)
	if err := row.Scan(&t.MessageID, &t.DepositID, &kind, &strategyID, &src, &dest,
		&t.Asset, &t.TargetAsset,
		n.add("amount", &t.Amount), n.add("settled_amount", &t.SettledAmount),
		&t.PoolID, &status, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return domain.Transfer{}, err
	}
	if err := n.parse(); err != nil {
		return domain.Transfer{}, err
	}
	t.Kind = domain.TransferKind(kind)
	t.Status = domain.TransferStatus(status)
	t.StrategyID = uint64(strategyID)
	t.SourceDomain = uint32(src)
	t.DestinationDomain = uint32(dest)
	return t, nil
}

// GetTransfer returns the transfer sent under messageID.
func (s *TransferStore) GetTransfer(ctx context.Context, messageID string) (domain.Transfer, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE message_id = $1`, messageID)
	t, err := scanTransfer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transfer{}, fmt.Errorf("postgres: transfer %s: %w", messageID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("postgres: get transfer %s: %w", messageID, err)
	}
	return t, nil
}

// ListTransfers returns transfers newest first. An empty status matches all.
func (s *TransferStore) ListTransfers(ctx context.Context, status domain.TransferStatus, opts domain.ListOpts) ([]domain.Transfer, error) {
	q := newListQuery(`SELECT ` + transferColumns + ` FROM transfers`)
	if status != "" {
		q.where("status = $%d", string(status))
	}
	q.window("created_at", "created_at DESC, message_id", opts)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transfers: %w", err)
	}
	defer rows.Close()

	var out []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan transfer: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list transfers rows: %w", err)
	}
	return out, nil
}

// CommitReceipt marks messageID processed and saves the touched transfers
// atomically. A second commit of the same id fails with
// domain.ErrMessageAlreadyProcessed and changes nothing.
func (s *TransferStore) CommitReceipt(ctx context.Context, messageID string, transfers ...domain.Transfer) error {
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO processed_messages (message_id) VALUES ($1) ON CONFLICT DO NOTHING`, messageID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrMessageAlreadyProcessed
		}
		for _, t := range transfers {
			if _, err := tx.Exec(ctx, upsertTransfer, transferArgs(t)...); err != nil {
				return fmt.Errorf("transfer %s: %w", t.MessageID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: commit receipt %s: %w", messageID, err)
	}
	return nil
}

// ProcessedIDs returns every processed message id.
func (s *TransferStore) ProcessedIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT message_id FROM processed_messages ORDER BY processed_at, message_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list processed ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: collect processed ids: %w", err)
	}
	return ids, nil
}

var _ domain.TransferStore = (*TransferStore)(nil)
