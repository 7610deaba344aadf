// Package history records task lifecycle outcomes for operators.
//
// It currently supports:
//   - JSON Lines appends (default file driver)
//   - An optional SQLite backend (build tag "sqlite")
package history
