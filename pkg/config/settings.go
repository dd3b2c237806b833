package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// Keys of the settings record.
const (
	SettingFOV          = "fov"
	SettingSensitivityX = "sensitivity-x"
	SettingSensitivityY = "sensitivity-y"
	SettingSubtitles    = "subtitles"
	SettingCharacter    = "character"
	SettingMap          = "map"
)

// ErrMissingSetting is wrapped by ParseFailure when a key is absent.
var ErrMissingSetting = errors.New("setting not set")

// ErrUnknownSelector is wrapped by ParseFailure when a selector setting
// names no entry of its mapping table.
var ErrUnknownSelector = errors.New("no such entry in mapping table")

// ParseFailure is returned when a settings value cannot be converted to the
// type its consumer needs.
type ParseFailure struct {
	Key   string
	Value string
	Err   error
}

func (pf *ParseFailure) Error() string {
	return fmt.Sprintf("setting %s=%q: %v", pf.Key, pf.Value, pf.Err)
}

func (pf *ParseFailure) Unwrap() error {
	return pf.Err
}

// Settings is the flat key-value settings record. Values stay strings
// until the point of use.
type Settings map[string]string

// String returns the raw value of key.
func (s Settings) String(key string) (string, error) {
	v, ok := s[key]
	if !ok || strings.TrimSpace(v) == "" {
		return "", &ParseFailure{Key: key, Value: v, Err: ErrMissingSetting}
	}
	return v, nil
}

// Float32 parses the value of key as a float32.
func (s Settings) Float32(key string) (float32, error) {
	v, err := s.String(key)
	if err != nil {
		return 0, err
	}
	f, err := cast.ToFloat32E(strings.TrimSpace(v))
	if err != nil {
		return 0, &ParseFailure{Key: key, Value: v, Err: err}
	}
	return f, nil
}

// Bool parses the value of key as a boolean.
func (s Settings) Bool(key string) (bool, error) {
	v, err := s.String(key)
	if err != nil {
		return false, err
	}
	b, err := cast.ToBoolE(strings.TrimSpace(v))
	if err != nil {
		return false, &ParseFailure{Key: key, Value: v, Err: err}
	}
	return b, nil
}

// Lookup uses the value of key as a key into table and returns the entry.
func (s Settings) Lookup(key string, table map[string]string) (string, error) {
	v, err := s.String(key)
	if err != nil {
		return "", err
	}
	entry, ok := table[strings.TrimSpace(v)]
	if !ok || entry == "" {
		return "", &ParseFailure{Key: key, Value: v, Err: ErrUnknownSelector}
	}
	return entry, nil
}
