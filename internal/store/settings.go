package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ScriptEnabled reads the run flag. A missing setting means off.
func ScriptEnabled(ctx context.Context, settings SettingsRepository) (bool, error) {
	raw, err := settings.GetSetting(ctx, SettingScriptEnabled)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", SettingScriptEnabled, err)
	}
	return ParseFlag(raw), nil
}

// Schedule reads the cron expression, falling back to DefaultSchedule.
func Schedule(ctx context.Context, settings interface {
	GetSetting(ctx context.Context, name string) (string, error)
}) (string, error) {
	raw, err := settings.GetSetting(ctx, SettingSchedule)
	if errors.Is(err, ErrNotFound) {
		return DefaultSchedule, nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", SettingSchedule, err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultSchedule, nil
	}
	return raw, nil
}

// ParseFlag interprets a stored boolean setting. Unparseable values are off.
func ParseFlag(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}
