//go:build debug

// Package check holds invariant assertions that only fire in debug builds.
package check

import "fmt"

// Invariant panics when cond is false. Release builds compile it away, so
// callers must still handle the failure path.
func Invariant(cond bool, format string, args ...any) {
	if !cond {
		panic("invariant violated: " + fmt.Sprintf(format, args...))
	}
}
