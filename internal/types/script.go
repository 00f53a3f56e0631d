package types

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Action is a recognized step action. The set is closed; unknown
// actions fail the run with category CONFIGURATION.
type Action string

const (
	ActionNavigate        Action = "NAVIGATE"
	ActionReload          Action = "RELOAD"
	ActionGoBack          Action = "GO_BACK"
	ActionClick           Action = "CLICK"
	ActionHover           Action = "HOVER"
	ActionFill            Action = "FILL"
	ActionClear           Action = "CLEAR"
	ActionSelectOption    Action = "SELECT_OPTION"
	ActionCheck           Action = "CHECK"
	ActionUncheck         Action = "UNCHECK"
	ActionPressKey        Action = "PRESS_KEY"
	ActionWaitForLoad     Action = "WAIT_FOR_LOAD"
	ActionWaitForSelector Action = "WAIT_FOR_SELECTOR"
	ActionWaitForURL      Action = "WAIT_FOR_URL"
	ActionAssertText      Action = "ASSERT_TEXT"
	ActionAssertVisible   Action = "ASSERT_VISIBLE"
	ActionAssertHidden    Action = "ASSERT_HIDDEN"
	ActionAssertURL       Action = "ASSERT_URL"
	ActionAssertTitle     Action = "ASSERT_TITLE"
	ActionAssertCount     Action = "ASSERT_COUNT"
	ActionAssertValue     Action = "ASSERT_VALUE"
	ActionAssertEnabled   Action = "ASSERT_ENABLED"
	ActionAssertDisabled  Action = "ASSERT_DISABLED"
)

var knownActions = map[Action]bool{
	ActionNavigate: true, ActionReload: true, ActionGoBack: true,
	ActionClick: true, ActionHover: true, ActionFill: true,
	ActionClear: true, ActionSelectOption: true, ActionCheck: true,
	ActionUncheck: true, ActionPressKey: true, ActionWaitForLoad: true,
	ActionWaitForSelector: true, ActionWaitForURL: true,
	ActionAssertText: true, ActionAssertVisible: true,
	ActionAssertHidden: true, ActionAssertURL: true,
	ActionAssertTitle: true, ActionAssertCount: true,
	ActionAssertValue: true, ActionAssertEnabled: true,
	ActionAssertDisabled: true,
}

// Known reports whether the action belongs to the closed set.
func (a Action) Known() bool { return knownActions[a] }

// Assertion reports whether the action is in the assertion family.
func (a Action) Assertion() bool {
	switch a {
	case ActionAssertText, ActionAssertVisible, ActionAssertHidden,
		ActionAssertURL, ActionAssertTitle, ActionAssertCount,
		ActionAssertValue, ActionAssertEnabled, ActionAssertDisabled:
		return true
	}
	return false
}

// Step is the atomic unit a driver session executes.
type Step struct {
	Action    Action `json:"action" yaml:"action"`
	Locator   string `json:"locator,omitempty" yaml:"locator,omitempty"`
	Value     string `json:"value,omitempty" yaml:"value,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// Script is an ordered sequence of steps.
type Script struct {
	Steps []Step `json:"steps" yaml:"steps"`
}

// ParseScript decodes a YAML script payload and validates the action set.
func ParseScript(data []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Script{}, fmt.Errorf("failed to parse script YAML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Script{}, err
	}
	return s, nil
}

// Validate checks the script for an empty step list and unknown actions.
func (s Script) Validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("script has no steps")
	}
	for i, step := range s.Steps {
		if !step.Action.Known() {
			return fmt.Errorf("step %d: unknown action %q", i+1, step.Action)
		}
	}
	return nil
}
