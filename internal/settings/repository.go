// Package settings exposes DB-backed feature flags and per-platform OAuth
// client credentials, with environment-variable override.
package settings

import (
	"context"
	"errors"
)

// ErrSettingNotFound is returned when a key has no stored value.
var ErrSettingNotFound = errors.New("setting not found")

// Repository provides operations on the settings table.
type Repository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}
