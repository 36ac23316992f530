package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/habitplatform/matchsync/internal/domain"
)

// AuditStore implements domain.AuditStore on audit_log. Inconsistency
// signals and drift findings land here, keyed by the pair they concern so an
// operator can pull one pair's history.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends an entry. The staker and target detail fields, when present,
// are also stored as columns.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}

	const query = `
		INSERT INTO audit_log (event, staker, target, detail)
		VALUES ($1, $2, $3, $4)`
	_, err = s.pool.Exec(ctx, query, event, pairColumn(detail, "staker"), pairColumn(detail, "target"), detailJSON)
	if err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

// pairColumn returns the canonical address stored under key, or nil.
func pairColumn(detail map[string]any, key string) any {
	v, ok := detail[key].(string)
	if !ok {
		return nil
	}
	addr, err := domain.ParseAddress(v)
	if err != nil {
		return nil
	}
	return addr.String()
}

// List returns entries newest first. Status in opts is ignored.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if opts.Since != nil {
		args = append(args, *opts.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		where = append(where, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	query := `SELECT id, event, detail, created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	query, args = appendPaging(query, args, len(args)+1, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan audit entries: %w", err)
	}
	return entries, nil
}

func scanAuditEntry(row pgx.CollectableRow) (domain.AuditEntry, error) {
	var (
		e          domain.AuditEntry
		detailJSON []byte
		createdAt  time.Time
	)
	if err := row.Scan(&e.ID, &e.Event, &detailJSON, &createdAt); err != nil {
		return e, err
	}
	e.CreatedAt = createdAt.UTC()
	if len(detailJSON) > 0 {
		if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshal detail of entry %d: %w", e.ID, err)
		}
	}
	return e, nil
}
