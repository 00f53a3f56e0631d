package config

import "time"

// BrowserConfig configures the driver port.
type BrowserConfig struct {
	Bin                  string   `yaml:"bin"`    // optional explicit browser binary
	Launch               []string `yaml:"launch"` // extra launch flags
	Headless             bool     `yaml:"headless"`
	ViewportWidth        int      `yaml:"viewport_width"`
	ViewportHeight       int      `yaml:"viewport_height"`
	NavigationTimeoutMs  int      `yaml:"navigation_timeout_ms"`
	DefaultStepTimeoutMs int      `yaml:"default_step_timeout_ms"`
}

// DefaultBrowser returns sensible browser defaults.
func DefaultBrowser() BrowserConfig {
	return BrowserConfig{
		Headless:             true,
		ViewportWidth:        1920,
		ViewportHeight:       1080,
		NavigationTimeoutMs:  30000,
		DefaultStepTimeoutMs: 10000,
	}
}

// NavigationTimeout returns the navigation timeout.
func (c BrowserConfig) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// DefaultStepTimeout returns the per-step timeout used when a step
// does not override it.
func (c BrowserConfig) DefaultStepTimeout() time.Duration {
	if c.DefaultStepTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.DefaultStepTimeoutMs) * time.Millisecond
}
