// ABOUTME: Package store provides SQLite-backed persistence for ember-matrix
// ABOUTME: Holds bot configuration, conversation history, and the character roster

// Package store persists everything ember-matrix remembers between restarts:
// key-value configuration, per-conversation message history, and the roster
// of tracked characters. All access goes through a single Store instance
// that is injected into the components that need it.
package store
