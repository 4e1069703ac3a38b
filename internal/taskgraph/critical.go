package taskgraph

// CriticalPath returns the longest chain of incomplete tasks, measured in
// task count, ordered from the chain's first task to its last.
//
// The path is computed by topological layering over the incomplete
// subgraph with a per-node longest-incoming-path DP. Ties on length are
// broken toward the node discovered first in topological order, which
// itself derives from input order, so the result is deterministic.
func (g *Graph) CriticalPath() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	topo := g.topoOrderIncomplete()
	if len(topo) == 0 {
		return nil
	}

	// dist[id] is the length of the longest incomplete chain ending at id;
	// prev[id] is the predecessor on that chain.
	dist := make(map[string]int, len(topo))
	prev := make(map[string]string, len(topo))

	for _, id := range topo {
		dist[id] = 1
		for _, depID := range g.nodes[id].deps {
			dep := g.nodes[depID]
			if dep.completed {
				continue
			}
			// Strict > keeps the first-discovered predecessor on ties.
			if dist[depID]+1 > dist[id] {
				dist[id] = dist[depID] + 1
				prev[id] = depID
			}
		}
	}

	// The chain ends at the first node (in topological order) with the
	// maximum distance.
	var end string
	best := 0
	for _, id := range topo {
		if dist[id] > best {
			best = dist[id]
			end = id
		}
	}

	// Walk the predecessor chain back to the start, then reverse.
	path := make([]string, 0, best)
	for id := end; id != ""; id = prev[id] {
		path = append(path, id)
		if _, ok := prev[id]; !ok {
			break
		}
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// topoOrderIncomplete returns the incomplete tasks in topological layers.
// Within a layer, tasks keep input order. Caller must hold the mutex.
func (g *Graph) topoOrderIncomplete() []string {
	inDegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		n := g.nodes[id]
		if n.completed {
			continue
		}
		deg := 0
		for _, depID := range n.deps {
			if !g.nodes[depID].completed {
				deg++
			}
		}
		inDegree[id] = deg
	}

	var order []string
	var layer []string
	for _, id := range g.order {
		if deg, ok := inDegree[id]; ok && deg == 0 {
			layer = append(layer, id)
		}
	}

	seen := make(map[string]bool, len(inDegree))
	for len(layer) > 0 {
		order = append(order, layer...)

		next := make(map[string]bool)
		for _, id := range layer {
			seen[id] = true
			for _, depID := range g.nodes[id].dependents {
				if _, ok := inDegree[depID]; !ok {
					continue
				}
				inDegree[depID]--
				if inDegree[depID] == 0 {
					next[depID] = true
				}
			}
		}

		// Rebuild the next layer in input order for determinism.
		layer = layer[:0]
		for _, id := range g.order {
			if next[id] {
				layer = append(layer, id)
			}
		}
	}

	return order
}
