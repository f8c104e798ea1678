// Package testutil provides test helpers for wxvault tests.
//
//   - assert.go: assertion helpers (AssertStrings, AssertContainsAll, ...)
//   - fs_helpers.go: filesystem layout (WriteFile)
//
// Chat export fixtures live in the wxtest subpackage.
package testutil
