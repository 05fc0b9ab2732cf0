package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/grandir66/dapx-backandrepl/internal/config"
	"github.com/grandir66/dapx-backandrepl/internal/perr"
)

// seedDefaultSettings inserts every config.DefaultSettings entry that is not
// already present, run once at Open time.
func seedDefaultSettings(ctx context.Context, s *Store) error {
	for key, value := range config.DefaultSettings {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`, key, value)
		if err != nil {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
	}
	return nil
}

// GetSetting returns the raw string value for key, validating it against
// config.RecognisedSettings.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	if _, ok := config.RecognisedSettings[key]; !ok {
		return "", perr.Validation("unrecognised setting key %q", key)
	}

	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key)
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting validates key against config.RecognisedSettings and its
// declared type before writing, so a typo'd key or mistyped value never
// silently lands in the database.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	vtype, ok := config.RecognisedSettings[key]
	if !ok {
		return perr.Validation("unrecognised setting key %q", key)
	}
	if err := validateSettingValue(vtype, value); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func validateSettingValue(vtype config.ValueType, value string) error {
	switch vtype {
	case config.ValueInt:
		if _, err := strconv.Atoi(value); err != nil {
			return perr.Validation("expected integer value, got %q", value)
		}
	case config.ValueBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return perr.Validation("expected boolean value, got %q", value)
		}
	case config.ValueString, config.ValueJSON:
		// no further validation
	}
	return nil
}

// AllSettings returns every stored setting as a map.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT key, value FROM settings`); err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}

	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}
