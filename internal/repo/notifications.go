package repo

import (
	"context"
	"database/sql"

	"dracanus/internal/domain"
	"dracanus/internal/events"
)

func (r Repo) insertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO notifications(id,owner_id,type,title,message,link,read,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		n.ID, n.OwnerID, n.Type, n.Title, n.Message, nullable(n.Link), boolInt(n.Read), n.CreatedAt); err != nil {
		return err
	}
	return r.Events.Append(ctx, tx, events.NotificationCreated, "", "notification", n.ID, n.OwnerID,
		events.EventPayload{"type": n.Type, "title": n.Title})
}

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return r.insertNotification(ctx, tx, n)
	})
}

func (r Repo) ListNotifications(ctx context.Context, ownerID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	query := `SELECT id,owner_id,type,title,message,COALESCE(link,''),read,created_at FROM notifications WHERE owner_id=?`
	args := []any{ownerID}
	if unreadOnly {
		query += ` AND read=0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Notification{}
	for rows.Next() {
		var n domain.Notification
		var read int
		if err := rows.Scan(&n.ID, &n.OwnerID, &n.Type, &n.Title, &n.Message, &n.Link, &read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Read = read == 1
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationRead(ctx context.Context, ownerID, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read=1 WHERE id=? AND owner_id=?`, id, ownerID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}
