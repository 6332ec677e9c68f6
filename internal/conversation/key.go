// ABOUTME: Conversation-key resolution for ember-matrix
// ABOUTME: Maps a room and sender to the partition key used for message history

// Package conversation decides which history bucket a message belongs to.
// Each room carries a context mode: in channel mode everyone in the room
// shares one history; in user mode each sender gets their own.
package conversation

import (
	"context"
	"fmt"
)

// Mode controls how history is partitioned within a room.
type Mode string

const (
	// ModeChannel merges all participants of a room into one history.
	ModeChannel Mode = "channel"

	// ModeUser gives each participant their own isolated history.
	ModeUser Mode = "user"
)

// modeConfigKey derives the config key a room's mode is stored under.
func modeConfigKey(roomID string) string {
	return fmt.Sprintf("context_mode:%s", roomID)
}

// ConfigStore is the slice of the store the resolver needs.
type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (string, bool, error)
	SetConfig(ctx context.Context, key, value string) error
}

// Resolver looks up per-room context modes and computes conversation keys.
type Resolver struct {
	store ConfigStore
}

// NewResolver creates a Resolver backed by the given config store.
func NewResolver(store ConfigStore) *Resolver {
	return &Resolver{store: store}
}

// Mode returns the context mode for a room. Missing or unrecognized values
// resolve to ModeChannel.
func (r *Resolver) Mode(ctx context.Context, roomID string) Mode {
	value, ok, err := r.store.GetConfig(ctx, modeConfigKey(roomID))
	if err != nil || !ok {
		return ModeChannel
	}
	if Mode(value) == ModeUser {
		return ModeUser
	}
	return ModeChannel
}

// SetMode persists the context mode for a room.
func (r *Resolver) SetMode(ctx context.Context, roomID string, mode Mode) error {
	return r.store.SetConfig(ctx, modeConfigKey(roomID), string(mode))
}

// Key returns the conversation key for a sender in a room, applying the
// room's stored mode.
func (r *Resolver) Key(ctx context.Context, roomID, userID string) string {
	return ResolveKey(r.Mode(ctx, roomID), roomID, userID)
}

// ResolveKey computes the conversation key for a room and sender under the
// given mode. Pure; no failure mode.
func ResolveKey(mode Mode, roomID, userID string) string {
	if mode == ModeUser {
		return roomID + ":" + userID
	}
	return roomID
}
