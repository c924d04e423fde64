// Package keygen produces the namespaced identifiers the gateway uses for
// cache, ephemeral, version, dirty-set, and stream keys. Generalizes the
// reference control-plane's flat "fluxforge:tenants:{tid}:{resource}:{id}"
// TenantKey helper (control_plane/store/keys.go) into the richer identity
// tuple this domain needs: (environment, entityType, entityId, worldId[, version]).
package keygen

import "fmt"

// Entity identifies a single command's target within the gateway's data model.
type Entity struct {
	Environment string
	EntityType  string
	EntityID    string
	WorldID     int64
}

// Cache returns the cache key for an entity, optionally pinned to a version.
// Format: <env>:entity:<type>:<world>:<id>[:v<version>]
func Cache(e Entity, version int64) string {
	if version > 0 {
		return fmt.Sprintf("%s:entity:%s:%d:%s:v%d", e.Environment, e.EntityType, e.WorldID, e.EntityID, version)
	}
	return fmt.Sprintf("%s:entity:%s:%d:%s", e.Environment, e.EntityType, e.WorldID, e.EntityID)
}

// Sequence returns the admission sequence-counter key for a world instance.
func Sequence(worldInstanceID string) string {
	return fmt.Sprintf("sequence:%s", worldInstanceID)
}

// Rankings returns the cache key for a top-N leaderboard query.
func Rankings(e Entity, rankKey, sortOrder string, limit int) string {
	return fmt.Sprintf("rankings:%s:%s:%d:%s:%s:%d", e.Environment, e.EntityType, e.WorldID, rankKey, sortOrder, limit)
}

// Rank returns the cache key for a single-entity rank lookup.
func Rank(e Entity, rankKey string) string {
	return fmt.Sprintf("rank:%s:%s:%d:%s:%s", e.Environment, e.EntityType, e.WorldID, e.EntityID, rankKey)
}

// Search returns the cache key for a name-search query.
func Search(environment, entityType string, worldID int64, pattern string, limit int) string {
	return fmt.Sprintf("search:%s:%s:%d:%s:%d", environment, entityType, worldID, pattern, limit)
}

// Ephemeral returns the document key for an entity's live ephemeral copy,
// optionally pinned to a version for the immutable snapshot variant.
// Format: <env>:ephemeral:<type>:<world>:<id>[:v<version>]
func Ephemeral(e Entity, version int64) string {
	if version > 0 {
		return fmt.Sprintf("%s:ephemeral:%s:%d:%s:v%d", e.Environment, e.EntityType, e.WorldID, e.EntityID, version)
	}
	return fmt.Sprintf("%s:ephemeral:%s:%d:%s", e.Environment, e.EntityType, e.WorldID, e.EntityID)
}

// VersionCounter returns the sibling counter key holding an ephemeral
// document's current version.
func VersionCounter(e Entity) string {
	return Ephemeral(e, 0) + ":version"
}

// DirtySet is the single set key holding every outstanding dirty-key.
const DirtySet = "ephemeral:dirty_entities"

// DirtyKey returns the identity string recorded as a member of DirtySet.
// Format: <env>:<type>:<world>:<id>
func DirtyKey(e Entity) string {
	return fmt.Sprintf("%s:%s:%d:%s", e.Environment, e.EntityType, e.WorldID, e.EntityID)
}

// ParseDirtyKey reverses DirtyKey, used by the background worker to resolve
// a sampled dirty-set member back into an Entity identity.
func ParseDirtyKey(key string) (Entity, bool) {
	parts := splitN(key, ':', 4)
	if len(parts) != 4 {
		return Entity{}, false
	}
	var world int64
	if _, err := fmt.Sscanf(parts[2], "%d", &world); err != nil {
		return Entity{}, false
	}
	return Entity{Environment: parts[0], EntityType: parts[1], WorldID: world, EntityID: parts[3]}, true
}

func splitN(s string, sep byte, n int) []string {
	out := make([]string, 0, n)
	start := 0
	for i := 0; i < len(s) && len(out) < n-1; i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// Stream returns the append-only log key for an entity's event stream.
func Stream(e Entity) string {
	return fmt.Sprintf("stream:%s:entity:%s:%d:%s", e.Environment, e.EntityType, e.WorldID, e.EntityID)
}

// StreamAffinity returns the short-TTL world-instance-ownership key for a stream.
func StreamAffinity(streamID string) string {
	return fmt.Sprintf("stream_world_instance:%s", streamID)
}

// EntityFingerprint is the unit of cache dependency tracking.
func EntityFingerprint(entityType, entityID string) string {
	return fmt.Sprintf("%s:%s", entityType, entityID)
}
