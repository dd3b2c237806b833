package orchestrator

import (
	"fmt"

	"github.com/reborn-dev/reborn/pkg/config"
	"github.com/reborn-dev/reborn/pkg/fncall"
	"github.com/reborn-dev/reborn/pkg/objects"
)

// Names of the built in rules.
const (
	ApplySettingsRule = "apply-settings"
	TravelRule        = "travel"
)

// Rules returns the built in rules configured by conf: the settings
// sequence on conf.Trigger and, when both the travel trigger and the map
// setting are set, a map change on conf.TravelTrigger.
func Rules(conf *config.Config) []EventRule {
	rules := []EventRule{{
		Name:    ApplySettingsRule,
		Trigger: conf.Trigger,
		Action:  ApplySettings(conf),
	}}
	if conf.TravelTrigger != "" {
		if _, ok := conf.Settings[config.SettingMap]; ok {
			rules = append(rules, EventRule{
				Name:    TravelRule,
				Trigger: conf.TravelTrigger,
				Action:  Travel(conf),
			})
		}
	}
	return rules
}

// ApplySettings returns the action that selects the configured character
// and applies the field of view, sensitivity and subtitle settings, in
// this order. Each setting is parsed right before the call that uses it.
func ApplySettings(conf *config.Config) Action {
	fns := conf.Functions
	return func(a *Activation) error {
		pc, err := a.Catalog.MustFind(objects.Query(fns.PlayerController))
		if err != nil {
			return err
		}

		charName, err := conf.Settings.Lookup(config.SettingCharacter, conf.Characters)
		if err != nil {
			return err
		}
		char, err := a.Catalog.MustFindByName(charName, "")
		if err != nil {
			return err
		}
		if _, err := a.Invoke(pc.Addr, fns.SelectCharacter, fns.FunctionClass, fncall.SelectCharacterParams{Character: char.Addr}); err != nil {
			return fmt.Errorf("selecting character %s: %w", charName, err)
		}

		fov, err := conf.Settings.Float32(config.SettingFOV)
		if err != nil {
			return err
		}
		if _, err := a.Invoke(pc.Addr, fns.SetFOV, fns.FunctionClass, fncall.SetFOVParams{FOV: fov}); err != nil {
			return fmt.Errorf("setting fov: %w", err)
		}

		x, err := conf.Settings.Float32(config.SettingSensitivityX)
		if err != nil {
			return err
		}
		y, err := conf.Settings.Float32(config.SettingSensitivityY)
		if err != nil {
			return err
		}
		input, err := a.Catalog.MustFind(objects.Query(fns.PlayerInput))
		if err != nil {
			return err
		}
		if _, err := a.Invoke(input.Addr, fns.SetSensitivity, fns.FunctionClass, fncall.SetSensitivityParams{X: x, Y: y}); err != nil {
			return fmt.Errorf("setting sensitivity: %w", err)
		}

		subtitles, err := conf.Settings.Bool(config.SettingSubtitles)
		if err != nil {
			return err
		}
		if _, err := a.Invoke(pc.Addr, fns.SetShowSubtitles, fns.FunctionClass, fncall.SetShowSubtitlesParams{Show: fncall.Bool(subtitles)}); err != nil {
			return fmt.Errorf("setting subtitles: %w", err)
		}
		return nil
	}
}

// Travel returns the action that opens the map selected by the map
// setting.
func Travel(conf *config.Config) Action {
	return func(a *Activation) error {
		m, err := conf.Settings.Lookup(config.SettingMap, conf.Maps)
		if err != nil {
			return err
		}
		ok, err := a.Target.Exec(a.Thread, "open "+m)
		if err != nil {
			return fmt.Errorf("opening %s: %w", m, err)
		}
		if ok == 0 {
			return fmt.Errorf("opening %s: command not recognized", m)
		}
		return nil
	}
}
