// Package classify maps raw step failures to failure categories and
// decides retryability. Classification is a deterministic pure
// function: same inputs, same verdict, no I/O.
package classify

import "strings"

// Category is the failure taxonomy for run outcomes.
type Category string

const (
	CategoryTimeout         Category = "TIMEOUT"
	CategoryElementNotFound Category = "ELEMENT_NOT_FOUND"
	CategoryStaleElement    Category = "STALE_ELEMENT"
	CategoryNotInteractable Category = "ELEMENT_NOT_INTERACTABLE"
	CategoryInvalidSelector Category = "INVALID_SELECTOR"
	CategoryNetworkError    Category = "NETWORK_ERROR"
	CategoryAssertionFailed Category = "ASSERTION_FAILED"
	CategoryApplication     Category = "APPLICATION_ERROR"
	CategoryConfiguration   Category = "CONFIGURATION"
	CategoryUnknown         Category = "UNKNOWN"
)

// Phase names the execution phase a failure was observed in.
type Phase string

const (
	PhaseSetup       Phase = "SETUP"
	PhaseNavigation  Phase = "NAVIGATION"
	PhaseInteraction Phase = "INTERACTION"
	PhaseAssertion   Phase = "ASSERTION"
	PhaseTeardown    Phase = "TEARDOWN"
)

// ExceptionKind is the driver-level failure kind attached to a step
// outcome. The browser port is the only producer.
type ExceptionKind string

const (
	KindTimeout         ExceptionKind = "timeout"
	KindElementNotFound ExceptionKind = "element_not_found"
	KindStaleElement    ExceptionKind = "stale_element"
	KindNotInteractable ExceptionKind = "not_interactable"
	KindInvalidSelector ExceptionKind = "invalid_selector"
	KindNetwork         ExceptionKind = "network"
	KindAssertion       ExceptionKind = "assertion"
	KindApplication     ExceptionKind = "application"
	KindConfiguration   ExceptionKind = "configuration"
	KindUnknown         ExceptionKind = "unknown"
)

// Verdict is the classification result.
type Verdict struct {
	Category  Category
	Retryable bool
	Hint      string
}

// kindCategories maps driver exception kinds straight to categories.
// First rule in the ladder: an explicit kind always wins.
var kindCategories = map[ExceptionKind]Category{
	KindTimeout:         CategoryTimeout,
	KindElementNotFound: CategoryElementNotFound,
	KindStaleElement:    CategoryStaleElement,
	KindNotInteractable: CategoryNotInteractable,
	KindInvalidSelector: CategoryInvalidSelector,
	KindNetwork:         CategoryNetworkError,
	KindAssertion:       CategoryAssertionFailed,
	KindApplication:     CategoryApplication,
	KindConfiguration:   CategoryConfiguration,
}

// networkHints are message substrings that indicate a network fault
// when the driver did not tag the kind. Lowercase.
var networkHints = []string{
	"connection refused",
	"connection reset",
	"net::err_",
	"dns",
	"could not resolve host",
	"network is unreachable",
	"broken pipe",
	"tls handshake",
	"i/o timeout",
	"no route to host",
	"websocket",
	"proxy",
}

// staleHints indicate the element handle went stale between resolve
// and use.
var staleHints = []string{
	"stale element",
	"element is detached",
	"node is detached",
	"not attached to the dom",
	"cannot find context",
	"object id is stale",
}

// timeoutHints catch timeout wording from drivers that surface plain
// errors instead of a typed kind.
var timeoutHints = []string{
	"timeout",
	"timed out",
	"context deadline exceeded",
	"deadline exceeded",
}

// hints carries a one-line operator suggestion per category.
var hints = map[Category]string{
	CategoryTimeout:         "increase the step timeout or wait for a load state before acting",
	CategoryElementNotFound: "verify the locator and add an explicit wait for the element",
	CategoryStaleElement:    "re-resolve the element after DOM mutations",
	CategoryNotInteractable: "scroll the element into view or wait for it to become enabled",
	CategoryInvalidSelector: "fix the locator syntax",
	CategoryNetworkError:    "check connectivity to the application under test",
	CategoryAssertionFailed: "expected and actual values diverge; inspect the screenshot",
	CategoryApplication:     "the application raised an error; see the console log artifact",
	CategoryConfiguration:   "fix the test definition or runner configuration",
	CategoryUnknown:         "unrecognized failure; see the run log",
}

// retryable is derived from category. Transient driver and network
// faults retry; deterministic failures do not. UNKNOWN is fail-closed:
// an unrecognized error must not enable unlimited retries.
var retryable = map[Category]bool{
	CategoryTimeout:         true,
	CategoryNetworkError:    true,
	CategoryStaleElement:    true,
	CategoryElementNotFound: true,
	CategoryNotInteractable: false,
	CategoryInvalidSelector: false,
	CategoryAssertionFailed: false,
	CategoryApplication:     false,
	CategoryConfiguration:   false,
	CategoryUnknown:         false,
}

// Classify maps a failure observation to a verdict. Rules apply in
// order, first match wins:
//  1. explicit exception kind
//  2. message substring match (network, stale element, timeout)
//  3. assertion phase with an assertion-family kind
//  4. UNKNOWN
func Classify(kind ExceptionKind, message string, phase Phase, attempt int) Verdict {
	_ = attempt // recorded by callers in failure history; not a rule input

	if cat, ok := kindCategories[kind]; ok {
		return verdict(cat)
	}

	msg := strings.ToLower(message)
	if matchAny(msg, networkHints) {
		return verdict(CategoryNetworkError)
	}
	if matchAny(msg, staleHints) {
		return verdict(CategoryStaleElement)
	}
	if matchAny(msg, timeoutHints) {
		return verdict(CategoryTimeout)
	}

	if phase == PhaseAssertion {
		return verdict(CategoryAssertionFailed)
	}

	return verdict(CategoryUnknown)
}

// Retryable reports whether a category is eligible for retry at all.
func Retryable(cat Category) bool { return retryable[cat] }

func verdict(cat Category) Verdict {
	return Verdict{Category: cat, Retryable: retryable[cat], Hint: hints[cat]}
}

func matchAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
