package classify

// Pins every heuristic pattern used by Classify so that driver
// upgrades that change error message wording cause an explicit test
// failure rather than a silent flip between retryable and terminal.

import "testing"

func TestClassify_KindMapping(t *testing.T) {
	cases := []struct {
		kind ExceptionKind
		want Category
	}{
		{KindTimeout, CategoryTimeout},
		{KindElementNotFound, CategoryElementNotFound},
		{KindStaleElement, CategoryStaleElement},
		{KindNotInteractable, CategoryNotInteractable},
		{KindInvalidSelector, CategoryInvalidSelector},
		{KindNetwork, CategoryNetworkError},
		{KindAssertion, CategoryAssertionFailed},
		{KindApplication, CategoryApplication},
		{KindConfiguration, CategoryConfiguration},
	}
	for _, tc := range cases {
		got := Classify(tc.kind, "irrelevant message", PhaseInteraction, 1)
		if got.Category != tc.want {
			t.Errorf("Classify(kind=%s) = %s, want %s", tc.kind, got.Category, tc.want)
		}
	}
}

func TestClassify_MessageHeuristics(t *testing.T) {
	cases := []struct {
		name    string
		message string
		want    Category
	}{
		// network
		{"network: connection refused", "dial tcp 127.0.0.1:9222: connection refused", CategoryNetworkError},
		{"network: connection reset", "read: connection reset by peer", CategoryNetworkError},
		{"network: chrome net error", "navigation failed: net::ERR_NAME_NOT_RESOLVED", CategoryNetworkError},
		{"network: dns", "DNS lookup failed for host", CategoryNetworkError},
		{"network: resolve host", "could not resolve host: app.example.com", CategoryNetworkError},
		{"network: unreachable", "connect: network is unreachable", CategoryNetworkError},
		{"network: broken pipe", "write: broken pipe", CategoryNetworkError},
		{"network: tls", "tls handshake failure", CategoryNetworkError},
		{"network: io timeout", "read tcp: i/o timeout", CategoryNetworkError},
		{"network: no route", "connect: no route to host", CategoryNetworkError},
		{"network: websocket", "websocket: close 1006 (abnormal closure)", CategoryNetworkError},

		// stale element
		{"stale: stale element", "stale element reference: element is not attached", CategoryStaleElement},
		{"stale: detached", "element is detached from document", CategoryStaleElement},
		{"stale: node detached", "node is detached from the DOM tree", CategoryStaleElement},
		{"stale: context", "cannot find context with specified id", CategoryStaleElement},
		{"stale: object id", "object id is stale after navigation", CategoryStaleElement},

		// timeout wording without a typed kind
		{"timeout: plain", "operation timeout after 30s", CategoryTimeout},
		{"timeout: timed out", "wait for selector timed out", CategoryTimeout},
		{"timeout: deadline", "context deadline exceeded", CategoryTimeout},

		// fall-through
		{"unknown: arbitrary", "something went completely wrong", CategoryUnknown},
		{"unknown: empty", "", CategoryUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(KindUnknown, tc.message, PhaseInteraction, 1)
			if got.Category != tc.want {
				t.Errorf("Classify(%q) = %s, want %s", tc.message, got.Category, tc.want)
			}
		})
	}
}

func TestClassify_AssertionPhase(t *testing.T) {
	got := Classify(KindUnknown, "expected 'hello' but found 'goodbye'", PhaseAssertion, 1)
	if got.Category != CategoryAssertionFailed {
		t.Errorf("assertion-phase failure = %s, want %s", got.Category, CategoryAssertionFailed)
	}
	if got.Retryable {
		t.Error("assertion failures must not be retryable")
	}

	// Substring rules still outrank the phase rule: an infrastructure
	// fault during an assertion is not a test failure.
	got = Classify(KindUnknown, "websocket: connection reset by peer", PhaseAssertion, 1)
	if got.Category != CategoryNetworkError {
		t.Errorf("network fault in assertion phase = %s, want %s", got.Category, CategoryNetworkError)
	}
}

func TestClassify_RetryableDerivation(t *testing.T) {
	cases := []struct {
		cat  Category
		want bool
	}{
		{CategoryTimeout, true},
		{CategoryNetworkError, true},
		{CategoryStaleElement, true},
		{CategoryElementNotFound, true},
		{CategoryNotInteractable, false},
		{CategoryInvalidSelector, false},
		{CategoryAssertionFailed, false},
		{CategoryApplication, false},
		{CategoryConfiguration, false},
		// Fail-closed: unknown failures never retry.
		{CategoryUnknown, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.cat); got != tc.want {
			t.Errorf("Retryable(%s) = %v, want %v", tc.cat, got, tc.want)
		}
	}
}

func TestClassify_Deterministic(t *testing.T) {
	// Same inputs, same verdict, attempt number is not a rule input.
	a := Classify(KindTimeout, "timeout waiting for #login", PhaseInteraction, 1)
	b := Classify(KindTimeout, "timeout waiting for #login", PhaseInteraction, 3)
	if a != b {
		t.Errorf("classification not deterministic across attempts: %+v vs %+v", a, b)
	}
}

func TestClassify_HintsPopulated(t *testing.T) {
	for _, cat := range []Category{
		CategoryTimeout, CategoryElementNotFound, CategoryStaleElement,
		CategoryNotInteractable, CategoryInvalidSelector, CategoryNetworkError,
		CategoryAssertionFailed, CategoryApplication, CategoryConfiguration,
		CategoryUnknown,
	} {
		if hints[cat] == "" {
			t.Errorf("category %s has no operator hint", cat)
		}
	}
}
