package durable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/worldgate/internal/keygen"
)

func TestMergeByIdentityKeepsLastWriteAndOriginalIndex(t *testing.T) {
	e := keygen.Entity{Environment: "prod", EntityType: "player", EntityID: "p1", WorldID: 1}
	items := []UpsertItem{
		{Entity: e, Version: 1, Attributes: map[string]any{"hp": 100}},
		{Entity: e, Version: 2, Attributes: map[string]any{"hp": 90}},
	}
	merged := mergeByIdentity(items)
	require.Len(t, merged, 1)
	assert.Equal(t, int64(2), merged[0].Version, "mergeByIdentity() should keep the last write's version")
	assert.Equal(t, 1, merged[0].originalIndex, "mergeByIdentity() should track the last write's original position")
}

func TestMergeByIdentityPreservesDistinctEntities(t *testing.T) {
	e1 := keygen.Entity{Environment: "prod", EntityType: "player", EntityID: "p1", WorldID: 1}
	e2 := keygen.Entity{Environment: "prod", EntityType: "player", EntityID: "p2", WorldID: 1}
	items := []UpsertItem{{Entity: e1, Version: 1}, {Entity: e2, Version: 1}}

	merged := mergeByIdentity(items)
	assert.Len(t, merged, 2)
}
