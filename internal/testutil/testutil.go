// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"crypto/rand"
	"flag"
	"path/filepath"
	"testing"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(t testing.TB, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("random bytes: %v", err)
	}
	return b
}

// SQLiteDSN returns a DSN for a fresh sqlite file inside the test's temp dir.
func SQLiteDSN(t testing.TB) string {
	t.Helper()
	return "file:" + filepath.Join(t.TempDir(), "vault.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}
