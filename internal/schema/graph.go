package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Graph is the directed relation graph of one schema version.
//
// There is an edge A -> B when collection A declares a relation that can reach
// B (for many-to-many relations both the junction and the target). The graph
// may contain cycles: self references and mutually related collections are
// normal.
type Graph struct {
	version uint64
	adj     map[string][]string

	revOnce sync.Once
	rev     map[string][]string
}

func newGraph(version uint64, cols map[string]*Collection) *Graph {
	adj := make(map[string][]string, len(cols))
	for name, c := range cols {
		seen := make(map[string]bool)
		edges := []string{}
		for _, rel := range c.Relations {
			for _, t := range rel.TargetNames() {
				if !seen[t] {
					seen[t] = true
					edges = append(edges, t)
				}
			}
		}
		sort.Strings(edges)
		adj[name] = edges
	}
	return &Graph{version: version, adj: adj}
}

// Version is the schema version the graph was built from.
func (g *Graph) Version() uint64 { return g.version }

// Neighbors returns the direct successors of node.
func (g *Graph) Neighbors(node string) []string {
	return g.adj[node]
}

// Reachable returns from plus every collection reachable from it, sorted.
// Traversal is breadth first with a visited set, so cycles terminate.
func (g *Graph) Reachable(from string) []string {
	return bfs(from, g.Neighbors)
}

// Reaching returns to plus every collection that can reach it, sorted.
func (g *Graph) Reaching(to string) []string {
	g.revOnce.Do(func() {
		g.rev = make(map[string][]string, len(g.adj))
		for src, dsts := range g.adj {
			for _, d := range dsts {
				g.rev[d] = append(g.rev[d], src)
			}
		}
		for _, srcs := range g.rev {
			sort.Strings(srcs)
		}
	})
	return bfs(to, func(n string) []string { return g.rev[n] })
}

// Nodes returns every collection in the graph, sorted.
func (g *Graph) Nodes() []string {
	out := make([]string, 0, len(g.adj))
	for n := range g.adj {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func bfs(start string, next func(string) []string) []string {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, n := range next(node) {
			if visited[n] {
				continue
			}
			visited[n] = true
			queue = append(queue, n)
		}
	}

	out := make([]string, 0, len(visited))
	for n := range visited {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Cycle is one strongly connected group of collections.
type Cycle struct {
	Path    []string
	Message string
}

// Cycles reports the relation cycles in the graph. Cycles are informational:
// the resolver and the invalidation closure both handle them.
func (g *Graph) Cycles() []Cycle {
	var cycles []Cycle
	for _, scc := range tarjanSCC(g.adj) {
		if len(scc) == 1 && !g.hasSelfLoop(scc[0]) {
			continue
		}
		sort.Strings(scc)
		cycles = append(cycles, g.cycleFromSCC(scc))
	}
	sort.Slice(cycles, func(i, j int) bool {
		return strings.Join(cycles[i].Path, ",") < strings.Join(cycles[j].Path, ",")
	})
	return cycles
}

func (g *Graph) hasSelfLoop(node string) bool {
	for _, n := range g.adj[node] {
		if n == node {
			return true
		}
	}
	return false
}

// cycleFromSCC walks the component from its smallest member until it returns
// to a node already on the path.
func (g *Graph) cycleFromSCC(scc []string) Cycle {
	if len(scc) == 1 {
		return Cycle{
			Path:    []string{scc[0], scc[0]},
			Message: fmt.Sprintf("self-referencing collection: %s -> %s", scc[0], scc[0]),
		}
	}

	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}

	path := []string{scc[0]}
	onPath := map[string]bool{scc[0]: true}
	current := scc[0]
	for {
		next := ""
		for _, n := range g.adj[current] {
			if members[n] {
				next = n
				if !onPath[n] {
					break
				}
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if onPath[next] {
			break
		}
		onPath[next] = true
		current = next
	}
	return Cycle{
		Path:    path,
		Message: fmt.Sprintf("relation cycle: %s", strings.Join(path, " -> ")),
	}
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in sorted order so the output is deterministic.
func tarjanSCC(graph map[string][]string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}
