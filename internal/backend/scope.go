package backend

import (
	"fmt"
	"strings"
)

const (
	roomScopePrefix = "active-room:"
	userScopePrefix = "global-user:"
)

// RoomScope is the subscription scope for a single room.
func RoomScope(roomID string) string { return roomScopePrefix + roomID }

// UserScope is the per-user global subscription scope.
func UserScope(userID string) string { return userScopePrefix + userID }

// ParseScope splits a scope into its kind ("room" or "user") and id.
func ParseScope(scope string) (kind, id string, err error) {
	if after, ok := strings.CutPrefix(scope, roomScopePrefix); ok && after != "" {
		return "room", after, nil
	}
	if after, ok := strings.CutPrefix(scope, userScopePrefix); ok && after != "" {
		return "user", after, nil
	}
	return "", "", fmt.Errorf("invalid scope %q", scope)
}
