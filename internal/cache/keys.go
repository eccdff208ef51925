package cache

import (
	"strings"
)

// Namespace is the Redis key prefix for marketsync.
const Namespace = "marketsync"

func formatKey(parts ...string) string {
	values := make([]string, 0, len(parts)+1)
	values = append(values, Namespace)
	for _, part := range parts {
		clean := strings.TrimSpace(part)
		if clean == "" {
			continue
		}
		values = append(values, clean)
	}
	return strings.Join(values, ":")
}

// --- Checkpoint Keys --------------------------------------------------------

// CheckpointKey holds the JSON progress record mirrored for a checkpoint identity.
func CheckpointKey(identity string) string {
	if strings.TrimSpace(identity) == "" {
		identity = "default"
	}
	return formatKey("checkpoint", identity)
}

