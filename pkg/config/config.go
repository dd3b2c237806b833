package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".reborn"
	configFile string = "config.yml"
)

// Offsets is the known-offset table of a target binary version. Every
// value is relative to the base address of the attached module.
type Offsets struct {
	// Names is the location of the pointer to the name table.
	Names uint64 `yaml:"names"`
	// Objects is the location of the pointer to the object table.
	Objects uint64 `yaml:"objects"`
	// ProcessEvent is the dispatch function every script call goes through.
	ProcessEvent uint64 `yaml:"process-event"`
	// StaticConstructObject is the object construction function.
	StaticConstructObject uint64 `yaml:"static-construct-object"`
	// EngineExec is the top-level console command execution function.
	EngineExec uint64 `yaml:"engine-exec"`
	// CodeCave is an optional region of unused executable bytes inside the
	// module. When zero, executable memory is allocated in the target.
	CodeCave     uint64 `yaml:"code-cave,omitempty"`
	CodeCaveSize uint64 `yaml:"code-cave-size,omitempty"`
}

// Layout holds the field offsets of name entries and object records.
type Layout struct {
	NameEntryString uint64 `yaml:"name-entry-string"`
	ObjectOuter     uint64 `yaml:"object-outer"`
	ObjectName      uint64 `yaml:"object-name"`
	ObjectClass     uint64 `yaml:"object-class"`
}

// Target describes the process to attach to.
type Target struct {
	// Executable is the exact file name of the target executable. It is
	// also the name of the module whose base address offsets are
	// relative to.
	Executable string `yaml:"executable"`
	// ABI is the calling convention of the target code, "win64" or "sysv".
	ABI string `yaml:"abi"`

	Offsets Offsets `yaml:"offsets"`
	Layout  Layout  `yaml:"layout"`

	// NameGapLimit and ObjectGapLimit are the number of consecutive empty
	// slots after which a table walk considers the table exhausted.
	NameGapLimit   int `yaml:"name-gap-limit"`
	ObjectGapLimit int `yaml:"object-gap-limit"`

	// PollInterval is the delay between two scans while waiting for the
	// target module to appear.
	PollInterval time.Duration `yaml:"poll-interval"`
}

// Query selects a singleton object from the catalog: the first object whose
// class name equals Class and whose qualified name contains every string in
// Contains.
type Query struct {
	Class    string   `yaml:"class"`
	Contains []string `yaml:"contains"`
}

// Functions names the native functions the action sequence dispatches to
// and the queries used to locate the objects they are dispatched on.
type Functions struct {
	// FunctionClass is the class name every native function object has.
	FunctionClass string `yaml:"function-class"`

	SelectCharacter  string `yaml:"select-character"`
	SetFOV           string `yaml:"set-fov"`
	SetSensitivity   string `yaml:"set-sensitivity"`
	SetShowSubtitles string `yaml:"set-show-subtitles"`

	Camera           Query `yaml:"camera"`
	PlayerInput      Query `yaml:"player-input"`
	PlayerController Query `yaml:"player-controller"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	Target Target `yaml:"target"`

	// Trigger is the qualified name of the dispatched function that starts
	// the action sequence.
	Trigger string `yaml:"trigger"`
	// TravelTrigger is the qualified name of the dispatched function that
	// starts a map change to the map selected by the "map" setting. The
	// travel rule is disabled when empty.
	TravelTrigger string `yaml:"travel-trigger,omitempty"`

	// Settings is the flat key-value settings record. Values are parsed at
	// the point of use.
	Settings Settings `yaml:"settings"`

	// Characters maps the "character" setting to the qualified name of the
	// character definition object.
	Characters map[string]string `yaml:"characters"`
	// Maps maps the "map" setting to a map package name.
	Maps map[string]string `yaml:"maps"`

	Functions Functions `yaml:"functions"`

	// Script is an optional path to a starlark file defining extra rules.
	Script string `yaml:"script,omitempty"`
}

// Default returns the configuration for the supported target build.
func Default() *Config {
	return &Config{
		Target: Target{
			Executable: "Battleborn.exe",
			ABI:        "win64",
			Offsets: Offsets{
				Names:                 0x3515230,
				Objects:               0x35152D8,
				ProcessEvent:          0x109ca0,
				StaticConstructObject: 0x008c050,
				EngineExec:            0x01fca00,
			},
			Layout: Layout{
				NameEntryString: 0x18,
				ObjectOuter:     0x38,
				ObjectName:      0x40,
				ObjectClass:     0x48,
			},
			NameGapLimit:   10000,
			ObjectGapLimit: 100,
			PollInterval:   500 * time.Millisecond,
		},
		Trigger:    "PlayerController.Engine.ClientRestart",
		Settings:   Settings{},
		Characters: map[string]string{},
		Maps:       map[string]string{},
		Functions: Functions{
			FunctionClass:    "Core.Function",
			SelectCharacter:  "PoplarPlayerController.PoplarGame.ServerSelectCharacter",
			SetFOV:           "PlayerController.Engine.FOV",
			SetSensitivity:   "PlayerInput.Engine.SetSensitivity",
			SetShowSubtitles: "PlayerController.Engine.SetShowSubtitles",
			Camera: Query{
				Class:    "PoplarGame.PoplarCamera",
				Contains: []string{"PersistentLevel.TheWorld."},
			},
			PlayerInput: Query{
				Class:    "PoplarGame.PoplarPlayerInput",
				Contains: []string{"PoplarPlayerController.PersistentLevel.TheWorld."},
			},
			PlayerController: Query{
				Class:    "PoplarGame.PoplarPlayerController",
				Contains: []string{"PoplarPlayerController", "PersistentLevel.TheWorld"},
			},
		},
	}
}

var (
	errNoExecutable = errors.New("target executable not set")
	errNoOffsets    = errors.New("name table, object table and process-event offsets are required")
	errNoTrigger    = errors.New("trigger not set")
)

// Validate checks that the fields the attach routine cannot do without are
// set. Settings are not validated here, they are parsed at the point of use.
func (c *Config) Validate() error {
	if c.Target.Executable == "" {
		return errNoExecutable
	}
	switch c.Target.ABI {
	case "win64", "sysv":
	default:
		return fmt.Errorf("unknown abi %q", c.Target.ABI)
	}
	o := c.Target.Offsets
	if o.Names == 0 || o.Objects == 0 || o.ProcessEvent == 0 {
		return errNoOffsets
	}
	if c.Trigger == "" {
		return errNoTrigger
	}
	if c.Target.NameGapLimit <= 0 || c.Target.ObjectGapLimit <= 0 {
		return fmt.Errorf("gap limits must be positive (names %d, objects %d)", c.Target.NameGapLimit, c.Target.ObjectGapLimit)
	}
	return nil
}

// LoadConfig attempts to populate a Config object from the file at
// configPath, or from $HOME/.reborn/config.yml when configPath is empty.
// A missing default file is created with the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		if err := createConfigPath(); err != nil {
			return nil, fmt.Errorf("could not create config directory: %v", err)
		}
		configPath = GetConfigFilePath(configFile)
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := createDefaultConfig(configPath); err != nil {
				return nil, fmt.Errorf("error creating default config file: %v", err)
			}
		}
	}

	f, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration on top of Default.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	if c.Settings == nil {
		c.Settings = Settings{}
	}
	if c.Characters == nil {
		c.Characters = map[string]string{}
	}
	if c.Maps == nil {
		c.Maps = map[string]string{}
	}
	return c, nil
}

// SaveConfig will marshal and save the config struct to path.
func SaveConfig(conf *Config, path string) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	err = writeDefaultConfig(f)
	if err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for reborn.

# Target offsets default to the supported build and normally need no change.
# Uncomment to override.
# target:
#   executable: Battleborn.exe
#   abi: win64
#   offsets:
#     names: 0x3515230
#     objects: 0x35152D8
#     process-event: 0x109ca0
#     static-construct-object: 0x8c050
#     engine-exec: 0x1fca00
#   name-gap-limit: 10000
#   object-gap-limit: 100

# Every setting is parsed the first time it is used. A missing or malformed
# value stops the session.
settings:
  fov: "90"
  sensitivity-x: "1.0"
  sensitivity-y: "1.0"
  subtitles: "false"
  # character: key-from-characters-table
  # map: key-from-maps-table

# Character selector table: settings.character picks one entry, the value
# is the qualified name of the character definition object.
characters:
  # key: Qualified.Object.Name

# Map selector table: settings.map picks one entry, the value is the map
# package name passed to the "open" console command.
maps:
  # key: MapPackage_P

# Qualified name of the function that starts a map change, leave unset to
# never change maps.
# travel-trigger: Some.Qualified.FunctionName

# Optional starlark file with extra rules.
# script: /path/to/rules.star
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	return os.MkdirAll(GetConfigFilePath(""), 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) string {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file)
}
