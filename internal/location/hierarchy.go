package location

import (
	"context"
)

// DefaultMaxDepth bounds ancestor walks. Real hierarchies are a handful of
// levels deep.
const DefaultMaxDepth = 64

// ParentLookup returns the parent id of a location, "" for roots.
type ParentLookup func(ctx context.Context, id string) (string, error)

// IsCircularReference reports whether making potentialParentID the parent of
// locationID would make locationID its own ancestor. The walk up from
// potentialParentID stops at a root, at a node already visited, or after
// maxDepth steps; the last two are treated as circular since the chain can
// no longer be trusted.
func IsCircularReference(ctx context.Context, lookup ParentLookup, locationID, potentialParentID string, maxDepth int) (bool, error) {
	if locationID == potentialParentID {
		return true, nil
	}
	if potentialParentID == "" {
		return false, nil
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	visited := map[string]struct{}{potentialParentID: {}}
	current := potentialParentID

	for depth := 0; depth < maxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		parentID, err := lookup(ctx, current)
		if err != nil {
			return false, err
		}

		switch {
		case parentID == "":
			return false, nil
		case parentID == locationID:
			return true, nil
		}

		if _, seen := visited[parentID]; seen {
			return true, nil
		}
		visited[parentID] = struct{}{}
		current = parentID
	}

	return true, nil
}
