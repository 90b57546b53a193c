// Package testutil provides shared test helpers and fixtures for warden.
//
// Philosophy:
// - Prefer real files and real SQLite (no mocks) for correctness.
// - Keep helpers small, composable, and deterministic.
// - Register cleanup via t.Cleanup so tests stay leak-free.
//
// Most packages should start with:
//
//	h := testutil.NewHarness(t)
//	op := testutil.MakeOperation(testutil.WithCommand("ls -la"))
package testutil
