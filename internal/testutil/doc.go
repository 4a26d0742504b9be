// Package testutil contains helpers shared by package tests: a fluent
// configuration builder, in-memory ledgers, commit fixtures with artifacts
// on disk, git repository seeding and filesystem assertions.
package testutil
