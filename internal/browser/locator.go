package browser

import (
	"fmt"
	"strings"
)

// LocatorStrategy is how a locator string is resolved to elements.
type LocatorStrategy string

const (
	StrategyCSS    LocatorStrategy = "css"
	StrategyXPath  LocatorStrategy = "xpath"
	StrategyText   LocatorStrategy = "text"
)

// Locator is a parsed locator: a resolution strategy plus its operand.
type Locator struct {
	Strategy LocatorStrategy
	Value    string
}

// ParseLocator resolves a strategy prefix (`id=`, `name=`, `css=`,
// `xpath=`, `class=`, `text=`, `role=`, `testid=`, `label=`) and
// normalizes everything except xpath and text into a CSS selector.
// Unprefixed locators default to CSS.
func ParseLocator(raw string) (Locator, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Locator{}, fmt.Errorf("empty locator")
	}

	prefix, value, has := strings.Cut(raw, "=")
	if !has {
		return Locator{Strategy: StrategyCSS, Value: raw}, nil
	}

	switch prefix {
	case "css":
		return Locator{Strategy: StrategyCSS, Value: value}, nil
	case "xpath":
		return Locator{Strategy: StrategyXPath, Value: value}, nil
	case "text":
		return Locator{Strategy: StrategyText, Value: value}, nil
	case "id":
		return Locator{Strategy: StrategyCSS, Value: "#" + cssEscape(value)}, nil
	case "name":
		return Locator{Strategy: StrategyCSS, Value: fmt.Sprintf(`[name=%q]`, value)}, nil
	case "class":
		return Locator{Strategy: StrategyCSS, Value: "." + cssEscape(value)}, nil
	case "role":
		return Locator{Strategy: StrategyCSS, Value: fmt.Sprintf(`[role=%q]`, value)}, nil
	case "testid":
		return Locator{Strategy: StrategyCSS, Value: fmt.Sprintf(`[data-testid=%q]`, value)}, nil
	case "label":
		return Locator{Strategy: StrategyCSS, Value: fmt.Sprintf(`[aria-label=%q]`, value)}, nil
	default:
		// Not a known strategy prefix: the '=' belongs to a CSS
		// attribute selector, e.g. `input[type=submit]`.
		return Locator{Strategy: StrategyCSS, Value: raw}, nil
	}
}

// cssEscape escapes the characters CSS identifiers cannot carry raw.
func cssEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteString(fmt.Sprintf("\\%c", r))
		}
	}
	return b.String()
}
