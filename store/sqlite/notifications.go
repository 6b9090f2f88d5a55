package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/notify"
)

// =============================================================================
// NOTIFICATIONS (notify.Store interface)
// =============================================================================

const notificationColumns = `
	id, account_id, meter_id, title, message, type, severity, is_read,
	related_balance, estimated_days, metadata_json, created_at, expires_at
`

func (s *Store) InsertNotification(ctx context.Context, n notify.Notification) error {
	var metadataJSON sql.NullString
	if len(n.Metadata) > 0 {
		b, err := json.Marshal(n.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}
	var expiresAt sql.NullString
	if n.ExpiresAt != nil {
		expiresAt = sql.NullString{String: formatTime(*n.ExpiresAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (`+notificationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.AccountID, n.MeterID, n.Title, n.Message, n.Type, n.Severity, n.IsRead,
		n.RelatedBalance.String(), n.EstimatedDays, metadataJSON, formatTime(n.CreatedAt), expiresAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Errorf(ledger.ErrDuplicate, "notification %s already exists", n.ID)
		}
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (s *Store) GetNotification(ctx context.Context, id notify.ID) (notify.Notification, error) {
	ns, err := s.queryNotifications(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	if err != nil {
		return notify.Notification{}, err
	}
	if len(ns) == 0 {
		return notify.Notification{}, ledger.Errorf(ledger.ErrNotFound, "notification %s", id)
	}
	return ns[0], nil
}

func (s *Store) ListNotifications(ctx context.Context, accountID ledger.AccountID, limit int) ([]notify.Notification, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryNotifications(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE account_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, accountID, limit)
}

func (s *Store) LatestNotification(ctx context.Context, key ledger.Key, typ notify.Type) (notify.Notification, error) {
	ns, err := s.queryNotifications(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE account_id = ? AND meter_id = ? AND type = ?
		 ORDER BY created_at DESC
		 LIMIT 1`, key.AccountID, key.MeterID, typ)
	if err != nil {
		return notify.Notification{}, err
	}
	if len(ns) == 0 {
		return notify.Notification{}, ledger.ErrNotFound
	}
	return ns[0], nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, id notify.ID) error {
	res, err := s.db.ExecContext(ctx, "UPDATE notifications SET is_read = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	return requireAffected(res, id)
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, accountID ledger.AccountID) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE account_id = ? AND is_read = 0", accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) DeleteNotification(ctx context.Context, id notify.ID) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM notifications WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	return requireAffected(res, id)
}

func (s *Store) DeleteReadNotifications(ctx context.Context, accountID ledger.AccountID) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM notifications WHERE account_id = ? AND is_read = 1", accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete read notifications: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) DeleteExpiredNotifications(ctx context.Context, now time.Time) ([]notify.Notification, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	cutoff := formatTime(now)
	expired, err := queryNotifications(ctx, sqlTx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE expires_at IS NOT NULL AND expires_at <= ?`, cutoff)
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}
	if _, err := sqlTx.ExecContext(ctx,
		"DELETE FROM notifications WHERE expires_at IS NOT NULL AND expires_at <= ?", cutoff); err != nil {
		return nil, fmt.Errorf("failed to purge notifications: %w", err)
	}
	return expired, sqlTx.Commit()
}

func (s *Store) queryNotifications(ctx context.Context, query string, args ...any) ([]notify.Notification, error) {
	return queryNotifications(ctx, s.db, query, args...)
}

func queryNotifications(ctx context.Context, q querier, query string, args ...any) ([]notify.Notification, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var ns []notify.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		ns = append(ns, n)
	}
	return ns, rows.Err()
}

func scanNotification(rows *sql.Rows) (notify.Notification, error) {
	var (
		n                  notify.Notification
		balance, created   string
		metadataJSON, exps sql.NullString
	)
	err := rows.Scan(
		&n.ID, &n.AccountID, &n.MeterID, &n.Title, &n.Message, &n.Type, &n.Severity, &n.IsRead,
		&balance, &n.EstimatedDays, &metadataJSON, &created, &exps,
	)
	if err != nil {
		return notify.Notification{}, fmt.Errorf("failed to scan notification: %w", err)
	}
	if n.RelatedBalance, err = parseDecimal("related_balance", balance); err != nil {
		return notify.Notification{}, err
	}
	if n.CreatedAt, err = parseTime(created); err != nil {
		return notify.Notification{}, fmt.Errorf("corrupt created_at %q: %w", created, err)
	}
	if exps.Valid {
		t, err := parseTime(exps.String)
		if err != nil {
			return notify.Notification{}, fmt.Errorf("corrupt expires_at %q: %w", exps.String, err)
		}
		n.ExpiresAt = &t
	}
	if metadataJSON.Valid {
		if err := json.Unmarshal([]byte(metadataJSON.String), &n.Metadata); err != nil {
			return notify.Notification{}, fmt.Errorf("corrupt metadata for %s: %w", n.ID, err)
		}
	}
	return n, nil
}

func requireAffected(res sql.Result, id notify.ID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.Errorf(ledger.ErrNotFound, "notification %s", id)
	}
	return nil
}

// =============================================================================
// PREFERENCES (notify.PreferenceStore interface)
// =============================================================================

func (s *Store) GetPreferences(ctx context.Context, accountID ledger.AccountID) (notify.Preferences, error) {
	var (
		enabled bool
		muted   string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT enabled, muted_json FROM notification_preferences WHERE account_id = ?", accountID,
	).Scan(&enabled, &muted)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Preferences{}, ledger.Errorf(ledger.ErrNotFound, "no preferences for %s", accountID)
	}
	if err != nil {
		return notify.Preferences{}, fmt.Errorf("failed to get preferences: %w", err)
	}
	p := notify.Preferences{Enabled: enabled}
	if err := json.Unmarshal([]byte(muted), &p.Muted); err != nil {
		return notify.Preferences{}, fmt.Errorf("corrupt preferences for %s: %w", accountID, err)
	}
	return p, nil
}

func (s *Store) PutPreferences(ctx context.Context, accountID ledger.AccountID, p notify.Preferences) error {
	muted := p.Muted
	if muted == nil {
		muted = []notify.Severity{}
	}
	raw, err := json.Marshal(muted)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notification_preferences (account_id, enabled, muted_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			enabled = excluded.enabled,
			muted_json = excluded.muted_json,
			updated_at = excluded.updated_at`,
		accountID, p.Enabled, string(raw), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	return nil
}

var (
	_ notify.Store           = (*Store)(nil)
	_ notify.PreferenceStore = (*Store)(nil)
	_ ledger.TxStore         = (*Store)(nil)
	_ ledger.MeterRegistry   = (*Store)(nil)
)
