package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gridhq/gridclient/internal/notify"
)

const notifyPrefsKey = "notifications"

// NotificationPrefs loads the persisted notification preferences, falling
// back to the defaults when none were saved yet.
func (db *DB) NotificationPrefs() (notify.Prefs, error) {
	var raw string
	err := db.conn.QueryRow(`SELECT value FROM prefs WHERE key = ?`, notifyPrefsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.DefaultPrefs(), nil
	}
	if err != nil {
		return notify.Prefs{}, fmt.Errorf("load notification prefs: %w", err)
	}
	var p notify.Prefs
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return notify.Prefs{}, fmt.Errorf("decode notification prefs: %w", err)
	}
	return p, nil
}

// SaveNotificationPrefs persists the notification preferences.
func (db *DB) SaveNotificationPrefs(p notify.Prefs) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode notification prefs: %w", err)
	}
	_, err = db.conn.Exec(`
		INSERT INTO prefs (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		notifyPrefsKey, string(raw))
	if err != nil {
		return fmt.Errorf("save notification prefs: %w", err)
	}
	return nil
}
