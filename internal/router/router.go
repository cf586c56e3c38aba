package router

import (
	"github.com/kstaniek/go-fedchat-server/internal/chat"
)

// Source provides the current route set.
type Source interface {
	Routes() [][]chat.ServerId
}

// Router computes shortest paths over the discovered topology. The graph
// is rebuilt per call from the source snapshot; with append-only routes
// this is always consistent.
type Router struct {
	self chat.ServerId
	src  Source
}

// New creates a Router rooted at self over src.
func New(self chat.ServerId, src Source) *Router {
	return &Router{self: self, src: src}
}

// RouteTo returns the shortest path from self to dest as an ordered
// sequence starting at self and ending at dest, or ok=false when dest is
// unreachable. Ties between equal-length paths are broken arbitrarily.
func (r *Router) RouteTo(dest chat.ServerId) ([]chat.ServerId, bool) {
	graph := make(map[chat.ServerId][]chat.ServerId)
	addEdge := func(a, b chat.ServerId) {
		graph[a] = append(graph[a], b)
		graph[b] = append(graph[b], a)
	}
	for _, route := range r.src.Routes() {
		for i := 0; i+1 < len(route); i++ {
			addEdge(route[i], route[i+1])
		}
		// Each stored route ends at the hop adjacent to this server.
		addEdge(r.self, route[len(route)-1])
	}

	// BFS from self, tracking predecessors for path reconstruction.
	type pred struct {
		prev chat.ServerId
		has  bool
	}
	visited := map[chat.ServerId]pred{r.self: {}}
	queue := []chat.ServerId{r.self}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == dest {
			var path []chat.ServerId
			for node, p := cur, visited[cur]; ; node, p = p.prev, visited[p.prev] {
				path = append(path, node)
				if !p.has {
					break
				}
			}
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return path, true
		}
		for _, next := range graph[cur] {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = pred{prev: cur, has: true}
			queue = append(queue, next)
		}
	}
	return nil, false
}
