package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// MySQLRepository implements Repository on MySQL. Same status-gated
// SELECT/UPDATE scheme as the other backends; only placeholder syntax and
// DDL differ.
type MySQLRepository struct {
	db     *sql.DB
	config *RepositoryConfig
}

// NewMySQLRepository creates a MySQL outbox repository.
func NewMySQLRepository(db *sql.DB, config *RepositoryConfig) *MySQLRepository {
	if config == nil {
		config = DefaultRepositoryConfig()
	}
	return &MySQLRepository{db: db, config: config}
}

func (r *MySQLRepository) GetTableName(itemType ItemType) string {
	return r.config.tableFor(itemType)
}

const myColumns = "id, type, message_group, payload, status, retry_count, created_at, updated_at, error_message"

func (r *MySQLRepository) FetchPending(ctx context.Context, itemType ItemType, limit int) ([]*Item, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE status = %d
		ORDER BY message_group, created_at
		LIMIT ?
	`, myColumns, r.GetTableName(itemType), StatusPending)

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

func (r *MySQLRepository) MarkAsInProgress(ctx context.Context, itemType ItemType, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := myPlaceholders(ids)
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, updated_at = NOW(3)
		WHERE id IN (%s) AND status = %d
	`, r.GetTableName(itemType), StatusInProgress, placeholders, StatusPending)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark as in-progress: %w", err)
	}
	return nil
}

func (r *MySQLRepository) MarkWithStatus(ctx context.Context, itemType ItemType, ids []string, status Status) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := myPlaceholders(ids)
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, updated_at = NOW(3)
		WHERE id IN (%s)
	`, r.GetTableName(itemType), status, placeholders)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark with status %s: %w", status, err)
	}
	return nil
}

func (r *MySQLRepository) MarkWithStatusAndError(ctx context.Context, itemType ItemType, ids []string, status Status, errorMessage string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := myPlaceholders(ids)
	args = append([]interface{}{errorMessage}, args...)
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, error_message = ?, retry_count = retry_count + 1, updated_at = NOW(3)
		WHERE id IN (%s)
	`, r.GetTableName(itemType), status, placeholders)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark with status %s and error: %w", status, err)
	}
	return nil
}

func (r *MySQLRepository) FetchStuckItems(ctx context.Context, itemType ItemType) ([]*Item, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE status = %d
		ORDER BY created_at
	`, myColumns, r.GetTableName(itemType), StatusInProgress)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fetch stuck items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

func (r *MySQLRepository) ResetStuckItems(ctx context.Context, itemType ItemType, ids []string) error {
	return r.resetToPending(ctx, itemType, ids, "reset stuck items")
}

func (r *MySQLRepository) FetchRecoverableItems(ctx context.Context, itemType ItemType, timeoutSeconds int, limit int) ([]*Item, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE status IN (%s)
		  AND updated_at < DATE_SUB(NOW(3), INTERVAL %d SECOND)
		ORDER BY created_at
		LIMIT ?
	`, myColumns, r.GetTableName(itemType), statusList(RecoverableStatuses), timeoutSeconds)

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch recoverable items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

func (r *MySQLRepository) ResetRecoverableItems(ctx context.Context, itemType ItemType, ids []string) error {
	return r.resetToPending(ctx, itemType, ids, "reset recoverable items")
}

func (r *MySQLRepository) IncrementRetryCount(ctx context.Context, itemType ItemType, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := myPlaceholders(ids)
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, retry_count = retry_count + 1, updated_at = NOW(3)
		WHERE id IN (%s)
	`, r.GetTableName(itemType), StatusPending, placeholders)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("increment retry count: %w", err)
	}
	return nil
}

func (r *MySQLRepository) CountPending(ctx context.Context, itemType ItemType) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = %d`,
		r.GetTableName(itemType), StatusPending)

	var count int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

func (r *MySQLRepository) CreateSchema(ctx context.Context) error {
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
				created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
				updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
				error_message TEXT
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`, table)
		if _, err := r.db.ExecContext(ctx, createTable); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}

		// MySQL has no CREATE INDEX IF NOT EXISTS; tolerate duplicates.
		for suffix, cols := range map[string]string{
			"poll":     "(status, message_group, created_at)",
			"recovery": "(status, created_at)",
		} {
			createIndex := fmt.Sprintf(`CREATE INDEX idx_%s_%s ON %s %s`, table, suffix, table, cols)
			if _, err := r.db.ExecContext(ctx, createIndex); err != nil {
				if !strings.Contains(err.Error(), "Duplicate key name") {
					return fmt.Errorf("create %s index on %s: %w", suffix, table, err)
				}
			}
		}
	}
	return nil
}

func (r *MySQLRepository) resetToPending(ctx context.Context, itemType ItemType, ids []string, op string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := myPlaceholders(ids)
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = %d, updated_at = NOW(3)
		WHERE id IN (%s)
	`, r.GetTableName(itemType), StatusPending, placeholders)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func myPlaceholders(ids []string) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}
