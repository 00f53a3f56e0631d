package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"qanerd/internal/classify"
	"qanerd/internal/config"
	"qanerd/internal/logging"
	"qanerd/internal/types"
)

// RodDriver drives Chromium-family browsers over CDP. One detached
// browser process is shared; each session gets its own incognito
// context so runs never share cookies or storage.
type RodDriver struct {
	cfg config.BrowserConfig

	mu         sync.Mutex
	browser    *rod.Browser
	controlURL string
}

// NewRodDriver creates an unconnected driver. The browser is launched
// lazily on the first Open.
func NewRodDriver(cfg config.BrowserConfig) *RodDriver {
	return &RodDriver{cfg: cfg}
}

// Open launches (or reuses) the browser and creates an isolated
// session. Non-Chromium kinds are refused: this port speaks CDP only.
func (d *RodDriver) Open(ctx context.Context, kind types.BrowserKind) (Session, error) {
	switch kind {
	case types.BrowserChrome, types.BrowserChromium, types.BrowserEdge:
	default:
		return nil, classify.NewFault(classify.KindConfiguration, classify.PhaseSetup,
			"browser kind %s is not supported by the CDP driver", kind)
	}

	if err := d.ensureStarted(ctx); err != nil {
		return nil, classify.NewFault(classify.KindConfiguration, classify.PhaseSetup,
			"browser launch failed: %v", err)
	}

	d.mu.Lock()
	browser := d.browser
	d.mu.Unlock()

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, classify.NewFault(classify.KindConfiguration, classify.PhaseSetup,
			"incognito context: %v", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, classify.NewFault(classify.KindConfiguration, classify.PhaseSetup,
			"create page: %v", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             d.viewportWidth(),
		Height:            d.viewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.Get(logging.CategoryBrowser).Warn("failed to set viewport: %v", err)
	}

	logging.BrowserDebug("opened %s session", kind)
	return &rodSession{driver: d, page: page}, nil
}

// ensureStarted connects to the browser, launching it if needed.
func (d *RodDriver) ensureStarted(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser != nil {
		if _, err := d.browser.Version(); err == nil {
			return nil
		}
		logging.Browser("stale browser connection detected, relaunching")
		_ = d.browser.Close()
		d.browser = nil
		d.controlURL = ""
	}

	launch := launcher.New().Headless(d.cfg.Headless)
	if d.cfg.Bin != "" {
		launch = launch.Bin(d.cfg.Bin)
	}
	for _, rawFlag := range d.cfg.Launch {
		flagStr := strings.TrimLeft(rawFlag, "-")
		name, val, hasVal := strings.Cut(flagStr, "=")
		if hasVal {
			launch = launch.Set(flags.Flag(name), val)
		} else {
			launch = launch.Set(flags.Flag(name))
		}
	}

	controlURL, err := launch.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}

	d.browser = browser
	d.controlURL = controlURL
	logging.Browser("browser connected at %s", controlURL)
	return nil
}

// Close shuts the shared browser down.
func (d *RodDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil {
		return nil
	}
	err := d.browser.Close()
	d.browser = nil
	d.controlURL = ""
	return err
}

func (d *RodDriver) viewportWidth() int {
	if d.cfg.ViewportWidth <= 0 {
		return 1920
	}
	return d.cfg.ViewportWidth
}

func (d *RodDriver) viewportHeight() int {
	if d.cfg.ViewportHeight <= 0 {
		return 1080
	}
	return d.cfg.ViewportHeight
}

// rodSession is one incognito page.
type rodSession struct {
	driver *RodDriver
	page   *rod.Page
}

// Execute runs one step against the page. All failures come back as
// *classify.Fault with the phase and kind already decided.
func (s *rodSession) Execute(ctx context.Context, step types.Step) error {
	timeout := s.driver.cfg.DefaultStepTimeout()
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}
	page := s.page.Context(ctx).Timeout(timeout)

	switch step.Action {
	case types.ActionNavigate:
		nav := s.page.Context(ctx).Timeout(s.driver.cfg.NavigationTimeout())
		if err := nav.Navigate(step.Value); err != nil {
			return navFault(err, "navigate to %s", step.Value)
		}
		if err := nav.WaitLoad(); err != nil {
			return navFault(err, "wait for load of %s", step.Value)
		}
		return nil

	case types.ActionReload:
		if err := page.Reload(); err != nil {
			return navFault(err, "reload")
		}
		return nil

	case types.ActionGoBack:
		if err := page.NavigateBack(); err != nil {
			return navFault(err, "navigate back")
		}
		return nil

	case types.ActionClick:
		el, err := s.resolve(page, step)
		if err != nil {
			return err
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return interactFault(err, "click %s", step.Locator)
		}
		return nil

	case types.ActionHover:
		el, err := s.resolve(page, step)
		if err != nil {
			return err
		}
		if err := el.Hover(); err != nil {
			return interactFault(err, "hover %s", step.Locator)
		}
		return nil

	case types.ActionFill:
		el, err := s.resolve(page, step)
		if err != nil {
			return err
		}
		if err := el.SelectAllText(); err == nil {
			_ = el.Input("")
		}
		if err := el.Input(step.Value); err != nil {
			return interactFault(err, "fill %s", step.Locator)
		}
		return nil

	case types.ActionClear:
		el, err := s.resolve(page, step)
		if err != nil {
			return err
		}
		if err := el.SelectAllText(); err != nil {
			return interactFault(err, "clear %s", step.Locator)
		}
		if err := el.Input(""); err != nil {
			return interactFault(err, "clear %s", step.Locator)
		}
		return nil

	case types.ActionSelectOption:
		el, err := s.resolve(page, step)
		if err != nil {
			return err
		}
		if err := el.Select([]string{step.Value}, true, rod.SelectorTypeText); err != nil {
			return interactFault(err, "select option %q in %s", step.Value, step.Locator)
		}
		return nil

	case types.ActionCheck:
		return s.setChecked(page, step, true)

	case types.ActionUncheck:
		return s.setChecked(page, step, false)

	case types.ActionPressKey:
		key, ok := keyByName(step.Value)
		if !ok {
			return classify.NewFault(classify.KindConfiguration, classify.PhaseInteraction,
				"unknown key %q", step.Value)
		}
		if err := page.Keyboard.Press(key); err != nil {
			return interactFault(err, "press key %s", step.Value)
		}
		return nil

	case types.ActionWaitForLoad:
		if err := page.WaitLoad(); err != nil {
			return waitFault(err, "wait for load")
		}
		return nil

	case types.ActionWaitForSelector:
		if _, err := s.resolve(page, step); err != nil {
			return err
		}
		return nil

	case types.ActionWaitForURL:
		return s.waitForURL(ctx, timeout, step.Value)

	case types.ActionAssertText:
		el, err := s.resolve(page, step)
		if err != nil {
			return err
		}
		text, err := el.Text()
		if err != nil {
			return interactFault(err, "read text of %s", step.Locator)
		}
		if !strings.Contains(text, step.Value) {
			return classify.NewFault(classify.KindAssertion, classify.PhaseAssertion,
				"expected %s to contain %q, got %q", step.Locator, step.Value, truncate(text, 200))
		}
		return nil

	case types.ActionAssertVisible:
		el, err := s.resolve(page, step)
		if err != nil {
			return err
		}
		visible, err := el.Visible()
		if err != nil {
			return interactFault(err, "visibility of %s", step.Locator)
		}
		if !visible {
			return classify.NewFault(classify.KindAssertion, classify.PhaseAssertion,
				"expected %s to be visible", step.Locator)
		}
		return nil

	case types.ActionAssertHidden:
		loc, err := ParseLocator(step.Locator)
		if err != nil {
			return classify.NewFault(classify.KindInvalidSelector, classify.PhaseAssertion, "%v", err)
		}
		els, err := s.elements(page, loc)
		if err != nil {
			return interactFault(err, "query %s", step.Locator)
		}
		for _, el := range els {
			visible, err := el.Visible()
			if err != nil {
				continue
			}
			if visible {
				return classify.NewFault(classify.KindAssertion, classify.PhaseAssertion,
					"expected %s to be hidden", step.Locator)
			}
		}
		return nil

	case types.ActionAssertURL:
		info, err := s.page.Context(ctx).Info()
		if err != nil {
			return interactFault(err, "read page url")
		}
		if !strings.Contains(info.URL, step.Value) {
			return classify.NewFault(classify.KindAssertion, classify.PhaseAssertion,
				"expected url to contain %q, got %q", step.Value, info.URL)
		}
		return nil

	case types.ActionAssertTitle:
		info, err := s.page.Context(ctx).Info()
		if err != nil {
			return interactFault(err, "read page title")
		}
		if info.Title != step.Value {
			return classify.NewFault(classify.KindAssertion, classify.PhaseAssertion,
				"expected title %q, got %q", step.Value, info.Title)
		}
		return nil

	case types.ActionAssertCount:
		loc, err := ParseLocator(step.Locator)
		if err != nil {
			return classify.NewFault(classify.KindInvalidSelector, classify.PhaseAssertion, "%v", err)
		}
		els, err := s.elements(page, loc)
		if err != nil {
			return interactFault(err, "query %s", step.Locator)
		}
		want := strings.TrimSpace(step.Value)
		if got := fmt.Sprintf("%d", len(els)); got != want {
			return classify.NewFault(classify.KindAssertion, classify.PhaseAssertion,
				"expected %s elements matching %s, got %s", want, step.Locator, got)
		}
		return nil

	case types.ActionAssertValue:
		el, err := s.resolve(page, step)
		if err != nil {
			return err
		}
		val, err := el.Property("value")
		if err != nil {
			return interactFault(err, "read value of %s", step.Locator)
		}
		if val.Str() != step.Value {
			return classify.NewFault(classify.KindAssertion, classify.PhaseAssertion,
				"expected %s value %q, got %q", step.Locator, step.Value, val.Str())
		}
		return nil

	case types.ActionAssertEnabled, types.ActionAssertDisabled:
		el, err := s.resolve(page, step)
		if err != nil {
			return err
		}
		prop, err := el.Property("disabled")
		if err != nil {
			return interactFault(err, "read disabled of %s", step.Locator)
		}
		disabled := prop.Bool()
		if step.Action == types.ActionAssertEnabled && disabled {
			return classify.NewFault(classify.KindAssertion, classify.PhaseAssertion,
				"expected %s to be enabled", step.Locator)
		}
		if step.Action == types.ActionAssertDisabled && !disabled {
			return classify.NewFault(classify.KindAssertion, classify.PhaseAssertion,
				"expected %s to be disabled", step.Locator)
		}
		return nil

	default:
		return classify.NewFault(classify.KindConfiguration, classify.PhaseInteraction,
			"unknown action %q", step.Action)
	}
}

// Screenshot captures the viewport.
func (s *rodSession) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := s.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return data, nil
}

// Close releases the page and its incognito context.
func (s *rodSession) Close() error {
	return s.page.Close()
}

// resolve finds a single element for the step's locator. Rod blocks
// until the element appears, so the page timeout doubles as the wait.
func (s *rodSession) resolve(page *rod.Page, step types.Step) (*rod.Element, error) {
	loc, err := ParseLocator(step.Locator)
	if err != nil {
		return nil, classify.NewFault(classify.KindInvalidSelector, classify.PhaseInteraction, "%v", err)
	}

	var el *rod.Element
	switch loc.Strategy {
	case StrategyXPath:
		el, err = page.ElementX(loc.Value)
	case StrategyText:
		el, err = page.ElementR("*", "/"+regexEscape(loc.Value)+"/")
	default:
		el, err = page.Element(loc.Value)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, classify.NewFault(classify.KindElementNotFound, classify.PhaseInteraction,
				"element %s not found within timeout", step.Locator)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, classify.NewFault(classify.KindElementNotFound, classify.PhaseInteraction,
			"element %s: %v", step.Locator, err)
	}
	return el, nil
}

func (s *rodSession) elements(page *rod.Page, loc Locator) (rod.Elements, error) {
	switch loc.Strategy {
	case StrategyXPath:
		return page.ElementsX(loc.Value)
	default:
		return page.Elements(loc.Value)
	}
}

func (s *rodSession) setChecked(page *rod.Page, step types.Step, want bool) error {
	el, err := s.resolve(page, step)
	if err != nil {
		return err
	}
	prop, err := el.Property("checked")
	if err != nil {
		return interactFault(err, "read checked of %s", step.Locator)
	}
	if prop.Bool() == want {
		return nil
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return interactFault(err, "toggle %s", step.Locator)
	}
	return nil
}

// waitForURL polls the page url until it contains the wanted fragment.
func (s *rodSession) waitForURL(ctx context.Context, timeout time.Duration, fragment string) error {
	deadline := time.Now().Add(timeout)
	for {
		info, err := s.page.Context(ctx).Info()
		if err == nil && strings.Contains(info.URL, fragment) {
			return nil
		}
		if time.Now().After(deadline) {
			return classify.NewFault(classify.KindTimeout, classify.PhaseNavigation,
				"url did not contain %q within %v", fragment, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// navFault wraps navigation errors, distinguishing timeouts from
// network faults by the wrapped error and message.
func navFault(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classify.NewFault(classify.KindTimeout, classify.PhaseNavigation, "%s: %v", msg, err)
	}
	if strings.Contains(err.Error(), "net::") {
		return classify.NewFault(classify.KindNetwork, classify.PhaseNavigation, "%s: %v", msg, err)
	}
	return classify.NewFault(classify.KindUnknown, classify.PhaseNavigation, "%s: %v", msg, err)
}

// interactFault wraps interaction errors.
func interactFault(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classify.NewFault(classify.KindTimeout, classify.PhaseInteraction, "%s: %v", msg, err)
	}
	if strings.Contains(err.Error(), "not interactable") || strings.Contains(err.Error(), "not clickable") {
		return classify.NewFault(classify.KindNotInteractable, classify.PhaseInteraction, "%s: %v", msg, err)
	}
	return classify.NewFault(classify.KindUnknown, classify.PhaseInteraction, "%s: %v", msg, err)
}

func waitFault(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, context.Canceled) {
		return err
	}
	return classify.NewFault(classify.KindTimeout, classify.PhaseNavigation, "%s: %v", msg, err)
}

// keyByName maps the key names scripts may use to CDP keys.
func keyByName(name string) (input.Key, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "enter", "return":
		return input.Enter, true
	case "tab":
		return input.Tab, true
	case "escape", "esc":
		return input.Escape, true
	case "backspace":
		return input.Backspace, true
	case "delete":
		return input.Delete, true
	case "arrowup", "up":
		return input.ArrowUp, true
	case "arrowdown", "down":
		return input.ArrowDown, true
	case "arrowleft", "left":
		return input.ArrowLeft, true
	case "arrowright", "right":
		return input.ArrowRight, true
	case "space":
		return input.Space, true
	case "pageup":
		return input.PageUp, true
	case "pagedown":
		return input.PageDown, true
	case "home":
		return input.Home, true
	case "end":
		return input.End, true
	}
	return 0, false
}

func regexEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`\.+*?()|[]{}^$/`, r) {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
