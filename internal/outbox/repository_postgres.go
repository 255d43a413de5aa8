package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresRepository implements Repository on PostgreSQL with plain
// status-gated UPDATEs. No FOR UPDATE SKIP LOCKED: the standby service
// guarantees a single poller.
type PostgresRepository struct {
	db     *sql.DB
	config *RepositoryConfig
}

// NewPostgresRepository creates a PostgreSQL outbox repository.
func NewPostgresRepository(db *sql.DB, config *RepositoryConfig) *PostgresRepository {
	if config == nil {
		config = DefaultRepositoryConfig()
	}
	return &PostgresRepository{db: db, config: config}
}

func (r *PostgresRepository) GetTableName(itemType ItemType) string {
	return r.config.tableFor(itemType)
}

const pgColumns = "id, type, message_group, payload, status, retry_count, created_at, updated_at, error_message"

func (r *PostgresRepository) FetchPending(ctx context.Context, itemType ItemType, limit int) ([]*Item, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE status = %d
		ORDER BY message_group, created_at
		LIMIT $1
	`, pgColumns, r.GetTableName(itemType), StatusPending)

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

func (r *PostgresRepository) MarkAsInProgress(ctx context.Context, itemType ItemType, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := pgPlaceholders(ids, 0)
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, updated_at = NOW()
		WHERE id IN (%s) AND status = %d
	`, r.GetTableName(itemType), StatusInProgress, placeholders, StatusPending)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark as in-progress: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkWithStatus(ctx context.Context, itemType ItemType, ids []string, status Status) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := pgPlaceholders(ids, 0)
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, updated_at = NOW()
		WHERE id IN (%s)
	`, r.GetTableName(itemType), status, placeholders)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark with status %s: %w", status, err)
	}
	return nil
}

func (r *PostgresRepository) MarkWithStatusAndError(ctx context.Context, itemType ItemType, ids []string, status Status, errorMessage string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := pgPlaceholders(ids, 1)
	args = append([]interface{}{errorMessage}, args...)
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, error_message = $1, retry_count = retry_count + 1, updated_at = NOW()
		WHERE id IN (%s)
	`, r.GetTableName(itemType), status, placeholders)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark with status %s and error: %w", status, err)
	}
	return nil
}

func (r *PostgresRepository) FetchStuckItems(ctx context.Context, itemType ItemType) ([]*Item, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE status = %d
		ORDER BY created_at
	`, pgColumns, r.GetTableName(itemType), StatusInProgress)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fetch stuck items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

func (r *PostgresRepository) ResetStuckItems(ctx context.Context, itemType ItemType, ids []string) error {
	return r.resetToPending(ctx, itemType, ids, "reset stuck items")
}

func (r *PostgresRepository) FetchRecoverableItems(ctx context.Context, itemType ItemType, timeoutSeconds int, limit int) ([]*Item, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE status IN (%s)
		  AND updated_at < NOW() - INTERVAL '%d seconds'
		ORDER BY created_at
		LIMIT $1
	`, pgColumns, r.GetTableName(itemType), statusList(RecoverableStatuses), timeoutSeconds)

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch recoverable items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

func (r *PostgresRepository) ResetRecoverableItems(ctx context.Context, itemType ItemType, ids []string) error {
	return r.resetToPending(ctx, itemType, ids, "reset recoverable items")
}

func (r *PostgresRepository) IncrementRetryCount(ctx context.Context, itemType ItemType, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := pgPlaceholders(ids, 0)
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, retry_count = retry_count + 1, updated_at = NOW()
		WHERE id IN (%s)
	`, r.GetTableName(itemType), StatusPending, placeholders)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("increment retry count: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CountPending(ctx context.Context, itemType ItemType) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = %d`,
		r.GetTableName(itemType), StatusPending)

	var count int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) CreateSchema(ctx context.Context) error {
	for _, itemType := range ItemTypes {
		table := r.GetTableName(itemType)

		createTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id VARCHAR(26) PRIMARY KEY,
				type VARCHAR(20) NOT NULL,
				message_group VARCHAR(255),
				payload TEXT NOT NULL,
				status SMALLINT NOT NULL DEFAULT 0,
				retry_count SMALLINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP(3) NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP(3) NOT NULL DEFAULT NOW(),
				error_message TEXT
			)
		`, table)
		if _, err := r.db.ExecContext(ctx, createTable); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}

		// Poll query: WHERE status=0 ORDER BY message_group, created_at
		pollIndex := fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS idx_%s_poll
			ON %s (status, message_group, created_at)
		`, table, table)
		if _, err := r.db.ExecContext(ctx, pollIndex); err != nil {
			return fmt.Errorf("create poll index on %s: %w", table, err)
		}

		// Recovery scan: WHERE status IN (...) AND updated_at < cutoff
		recoveryIndex := fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS idx_%s_recovery
			ON %s (status, created_at)
		`, table, table)
		if _, err := r.db.ExecContext(ctx, recoveryIndex); err != nil {
			return fmt.Errorf("create recovery index on %s: %w", table, err)
		}
	}
	return nil
}

func (r *PostgresRepository) resetToPending(ctx context.Context, itemType ItemType, ids []string, op string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := pgPlaceholders(ids, 0)
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, updated_at = NOW()
		WHERE id IN (%s)
	`, r.GetTableName(itemType), StatusPending, placeholders)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// pgPlaceholders builds $N placeholders starting after `offset` positional
// parameters already consumed by the query.
func pgPlaceholders(ids []string, offset int) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", offset+i+1)
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}
