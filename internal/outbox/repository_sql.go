package outbox

import (
	"database/sql"
	"fmt"
	"strings"
)

// scanItems reads outbox rows in the canonical column order:
// id, type, message_group, payload, status, retry_count, created_at,
// updated_at, error_message. Shared by the Postgres and MySQL backends.
func scanItems(rows *sql.Rows) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		var item Item
		var group, errMsg sql.NullString
		var updatedAt sql.NullTime

		err := rows.Scan(
			&item.ID,
			&item.Type,
			&group,
			&item.Payload,
			&item.Status,
			&item.RetryCount,
			&item.CreatedAt,
			&updatedAt,
			&errMsg,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}

		item.MessageGroup = group.String
		item.ErrorMessage = errMsg.String
		if updatedAt.Valid {
			item.UpdatedAt = updatedAt.Time
		}

		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return items, nil
}

// statusList renders a status set for an IN (...) clause. Status values are
// our own constants, never user input.
func statusList(statuses []Status) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = fmt.Sprintf("%d", int(s))
	}
	return strings.Join(parts, ", ")
}
