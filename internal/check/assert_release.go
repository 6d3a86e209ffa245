//go:build !debug

// Package check holds invariant assertions that only fire in debug builds.
package check

// Invariant is a no-op in release builds.
func Invariant(_ bool, _ string, _ ...any) {}
