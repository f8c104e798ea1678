package testutil

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
)

// AssertStrings reports a diff when got differs from want. A nil got
// equals an empty want.
func AssertStrings(t testing.TB, got []string, want ...string) {
	t.Helper()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("strings mismatch (-want +got):\n%s", diff)
	}
}

// AssertValidUTF8 fails when decoded message text is not valid UTF-8.
func AssertValidUTF8(t testing.TB, s string) {
	t.Helper()
	if !utf8.ValidString(s) {
		t.Errorf("not valid UTF-8: %q", s)
	}
}

// AssertContainsAll fails for each of subs missing from got, such as a
// line of CLI output.
func AssertContainsAll(t testing.TB, got string, subs []string) {
	t.Helper()
	var missing []string
	for _, sub := range subs {
		if !strings.Contains(got, sub) {
			missing = append(missing, sub)
		}
	}
	if len(missing) > 0 {
		t.Errorf("output is missing %q:\n%s", missing, got)
	}
}
