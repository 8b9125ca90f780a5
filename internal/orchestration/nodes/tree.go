package nodes

import (
	"context"
	"fmt"
	"sort"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// LatestChildren returns the children of parentID, skipping superseded
// retry attempts.
func LatestChildren(ctx context.Context, r repo.NodeExecutionRepository, parentID string) ([]domain.NodeExecution, error) {
	children, err := r.ListChildren(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parentID, err)
	}
	out := children[:0]
	for _, c := range children {
		if !c.OldRetry {
			out = append(out, c)
		}
	}
	return out, nil
}

// LiveSubtree returns the live nodes below root, deepest first, followed by
// root itself when includeRoot is set and root is live.
func LiveSubtree(ctx context.Context, r repo.NodeExecutionRepository, root domain.NodeExecution, includeRoot bool) ([]domain.NodeExecution, error) {
	var levels [][]domain.NodeExecution
	frontier := []domain.NodeExecution{root}
	for len(frontier) > 0 {
		var next []domain.NodeExecution
		for _, n := range frontier {
			children, err := LatestChildren(ctx, r, n.RuntimeID)
			if err != nil {
				return nil, err
			}
			next = append(next, children...)
		}
		if len(next) > 0 {
			levels = append(levels, next)
		}
		frontier = next
	}

	var out []domain.NodeExecution
	for i := len(levels) - 1; i >= 0; i-- {
		for _, n := range levels[i] {
			if n.IsLive() {
				out = append(out, n)
			}
		}
	}
	if includeRoot && root.IsLive() {
		out = append(out, root)
	}
	return out, nil
}

// ByDepth orders nodes by distance from the plan root. deepestFirst puts
// leaves before their ancestors; otherwise parents come first. Ties keep
// creation order.
func ByDepth(all []domain.NodeExecution, deepestFirst bool) []domain.NodeExecution {
	parents := make(map[string]string, len(all))
	for _, n := range all {
		parents[n.RuntimeID] = n.ParentID
	}
	depth := func(id string) int {
		d := 0
		seen := map[string]struct{}{}
		for p := parents[id]; p != ""; p = parents[p] {
			if _, ok := seen[p]; ok {
				break
			}
			seen[p] = struct{}{}
			d++
		}
		return d
	}

	out := append([]domain.NodeExecution(nil), all...)
	depths := make(map[string]int, len(out))
	for _, n := range out {
		depths[n.RuntimeID] = depth(n.RuntimeID)
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := depths[out[i].RuntimeID], depths[out[j].RuntimeID]
		if deepestFirst {
			return di > dj
		}
		return di < dj
	})
	return out
}

// PlanRoot picks the current root attempt from a plan's nodes.
func PlanRoot(all []domain.NodeExecution) *domain.NodeExecution {
	var root *domain.NodeExecution
	for i := range all {
		n := &all[i]
		if !n.IsRoot() || n.OldRetry {
			continue
		}
		if root == nil || n.RetryIndex > root.RetryIndex {
			root = n
		}
	}
	return root
}
