package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseOverridesDefaults(t *testing.T) {
	c, err := Parse([]byte(`
target:
  offsets:
    names: 0x1000
    objects: 0x2000
    process-event: 0x3000
  object-gap-limit: 7
  poll-interval: 2s
settings:
  fov: 100
  subtitles: "true"
characters:
  hero: Pkg.HeroDefinition
`))
	if err != nil {
		t.Fatal(err)
	}
	if c.Target.Executable != "Battleborn.exe" {
		t.Errorf("executable default lost: %q", c.Target.Executable)
	}
	if c.Target.Offsets.Names != 0x1000 || c.Target.Offsets.Objects != 0x2000 || c.Target.Offsets.ProcessEvent != 0x3000 {
		t.Errorf("offsets not decoded: %#v", c.Target.Offsets)
	}
	if c.Target.ObjectGapLimit != 7 || c.Target.NameGapLimit != 10000 {
		t.Errorf("gap limits: %d %d", c.Target.ObjectGapLimit, c.Target.NameGapLimit)
	}
	if c.Target.PollInterval != 2*time.Second {
		t.Errorf("poll interval: %v", c.Target.PollInterval)
	}
	if c.Target.Layout.ObjectName != 0x40 {
		t.Errorf("layout default lost: %#v", c.Target.Layout)
	}
	if c.Settings["fov"] != "100" {
		t.Errorf("unquoted setting not kept as string: %q", c.Settings["fov"])
	}
	if c.Characters["hero"] != "Pkg.HeroDefinition" {
		t.Errorf("characters: %v", c.Characters)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"no executable", func(c *Config) { c.Target.Executable = "" }, false},
		{"bad abi", func(c *Config) { c.Target.ABI = "fastcall" }, false},
		{"no names offset", func(c *Config) { c.Target.Offsets.Names = 0 }, false},
		{"no trigger", func(c *Config) { c.Trigger = "" }, false},
		{"zero gap", func(c *Config) { c.Target.ObjectGapLimit = 0 }, false},
		{"sysv", func(c *Config) { c.Target.ABI = "sysv" }, true},
	}
	for _, tc := range tests {
		c := Default()
		tc.mutate(c)
		err := c.Validate()
		if (err == nil) != tc.ok {
			t.Errorf("%s: unexpected result %v", tc.name, err)
		}
	}
}

func TestDefaultConfigFileParses(t *testing.T) {
	var buf bytes.Buffer
	if err := writeDefaultConfig(&buf); err != nil {
		t.Fatal(err)
	}
	c, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	fov, err := c.Settings.Float32(SettingFOV)
	if err != nil || fov != 90 {
		t.Fatalf("fov = %v, %v", fov, err)
	}
	if c.Characters == nil || c.Maps == nil {
		t.Fatalf("mapping tables should never be nil")
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	c := Default()
	c.Settings[SettingFOV] = "110"
	c.Target.Offsets.CodeCave = 0x4000
	if err := SaveConfig(c, path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Settings[SettingFOV] != "110" || loaded.Target.Offsets.CodeCave != 0x4000 {
		t.Fatalf("round trip lost data: %#v", loaded)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatalf("expected error for missing explicit path")
	}
	if err := os.WriteFile(path, []byte("target: [\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSettingsParsing(t *testing.T) {
	s := Settings{
		SettingFOV:          "95.5",
		SettingSensitivityX: "abc",
		SettingSubtitles:    "TRUE",
		SettingCharacter:    "hero",
		SettingMap:          "nowhere",
	}

	fov, err := s.Float32(SettingFOV)
	if err != nil || fov != 95.5 {
		t.Fatalf("Float32(fov) = %v, %v", fov, err)
	}

	_, err = s.Float32(SettingSensitivityX)
	var pf *ParseFailure
	if !errors.As(err, &pf) || pf.Key != SettingSensitivityX || pf.Value != "abc" {
		t.Fatalf("expected ParseFailure for sensitivity-x, got %v", err)
	}

	_, err = s.Float32(SettingSensitivityY)
	if !errors.Is(err, ErrMissingSetting) {
		t.Fatalf("expected ErrMissingSetting, got %v", err)
	}

	b, err := s.Bool(SettingSubtitles)
	if err != nil || !b {
		t.Fatalf("Bool(subtitles) = %v, %v", b, err)
	}

	table := map[string]string{"hero": "Pkg.Hero"}
	v, err := s.Lookup(SettingCharacter, table)
	if err != nil || v != "Pkg.Hero" {
		t.Fatalf("Lookup(character) = %q, %v", v, err)
	}
	_, err = s.Lookup(SettingMap, table)
	if !errors.Is(err, ErrUnknownSelector) {
		t.Fatalf("expected ErrUnknownSelector, got %v", err)
	}
}
