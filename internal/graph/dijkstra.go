package graph

import (
	"container/heap"
	"math"
)

// Path is the solver result. For an unreachable end, Distance is +Inf and
// Nodes holds whatever tail could be backtracked from end, so it does not
// begin at the start node.
type Path struct {
	Start    string   `json:"start"`
	Nodes    []string `json:"path"`
	Distance float64  `json:"distance"`
}

// Found reports whether Nodes is a real start-to-end route.
func (p Path) Found() bool {
	return !math.IsInf(p.Distance, 1) && len(p.Nodes) > 0 && p.Nodes[0] == p.Start
}

// ShortestPath runs Dijkstra from start and stops once end is settled.
// Weights must be nonnegative; negative weights give undefined results.
func ShortestPath(g Weighted, start, end string) Path {
	dist := map[string]float64{start: 0}
	prev := make(map[string]string)
	visited := make(map[string]bool)

	pq := &frontier{}
	var seq uint64
	heap.Push(pq, item{node: start, dist: 0, seq: seq})

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(item)
		if visited[cur.node] {
			continue
		}
		visited[cur.node] = true
		if cur.node == end {
			break
		}
		g.Neighbors(cur.node, func(to string, w float64) {
			nd := cur.dist + w
			if d, ok := dist[to]; ok && nd >= d {
				return
			}
			dist[to] = nd
			prev[to] = cur.node
			seq++
			heap.Push(pq, item{node: to, dist: nd, seq: seq})
		})
	}

	total, ok := dist[end]
	if !ok {
		total = math.Inf(1)
	}
	nodes := []string{end}
	for n := end; ; {
		p, ok := prev[n]
		if !ok {
			break
		}
		nodes = append(nodes, p)
		n = p
	}
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	return Path{Start: start, Nodes: nodes, Distance: total}
}

type item struct {
	node string
	dist float64
	seq  uint64
}

type frontier []item

func (f frontier) Len() int { return len(f) }
func (f frontier) Less(i, j int) bool {
	if f[i].dist != f[j].dist {
		return f[i].dist < f[j].dist
	}
	return f[i].seq < f[j].seq
}
func (f frontier) Swap(i, j int) { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)   { *f = append(*f, x.(item)) }
func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	it := old[n-1]
	*f = old[:n-1]
	return it
}
