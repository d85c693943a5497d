package statestore

import (
	"context"
	"strconv"
)

// configKeys maps Config's fields to their stored key-value rows.
const (
	keyMaxAgents            = "max_agents"
	keyDispatchInterval     = "dispatch_interval"
	keyMaxCompletionRetries = "max_completion_retries"
	keyBaseBranch           = "base_branch"
)

// GetConfig reads the daemon config from the config table, falling back
// to DefaultConfig for any key that has never been set.
func (s *Store) GetConfig(ctx context.Context) (Config, error) {
	cfg := DefaultConfig()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return cfg, err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return cfg, err
		}
		switch key {
		case keyMaxAgents:
			if n, err := strconv.Atoi(value); err == nil {
				cfg.MaxAgents = n
			}
		case keyDispatchInterval:
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				cfg.DispatchInterval = f
			}
		case keyMaxCompletionRetries:
			if n, err := strconv.Atoi(value); err == nil {
				cfg.MaxCompletionRetries = n
			}
		case keyBaseBranch:
			cfg.BaseBranch = value
		}
	}
	return cfg, rows.Err()
}

// SetConfigValue persists a single config key. Unknown keys are
// rejected by the caller (pkg/api/pkg/cmd), not here.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var query string
	switch s.dialect {
	case DialectPostgres:
		query = `INSERT INTO config (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	case DialectMySQL:
		query = `INSERT INTO config (key, value) VALUES (?, ?)
ON DUPLICATE KEY UPDATE value = VALUES(value)`
	default:
		query = `INSERT INTO config (key, value) VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	}
	_, err := s.db.ExecContext(ctx, query, key, value)
	return err
}

// ConfigKeys lists the config keys settable via SetConfigValue, in the
// order the "orch config" help text enumerates them.
var ConfigKeys = []string{keyMaxAgents, keyDispatchInterval, keyMaxCompletionRetries, keyBaseBranch}

// IsValidConfigKey reports whether key is a recognized config field.
func IsValidConfigKey(key string) bool {
	for _, k := range ConfigKeys {
		if k == key {
			return true
		}
	}
	return false
}
