package store

import (
	"context"
	"database/sql"
	"fmt"
)

func (s *PostgresStore) InsertNotification(ctx context.Context, item Notification) error {
	var documentID sql.NullString
	if item.DocumentID != "" {
		documentID = sql.NullString{String: item.DocumentID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, document_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.UserID, item.Type, item.Title, item.Message, documentID)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, title, message, COALESCE(document_id, ''), is_read, created_at
		FROM notifications
		WHERE user_id=$1 AND (NOT $2 OR NOT is_read)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.UserID, &item.Type, &item.Title, &item.Message, &item.DocumentID, &item.Read, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

// MarkNotificationRead only touches notifications owned by userID.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read=TRUE WHERE id=$1 AND user_id=$2`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return requireAffected(result, "mark notification read")
}
