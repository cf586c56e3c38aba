package router

import (
	"testing"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
)

type staticRoutes [][]chat.ServerId

func (s staticRoutes) Routes() [][]chat.ServerId { return s }

func sid(b byte) chat.ServerId {
	var id chat.ServerId
	id[0] = b
	return id
}

func TestRouteTo_Self(t *testing.T) {
	self := sid(1)
	r := New(self, staticRoutes{})
	path, ok := r.RouteTo(self)
	if !ok {
		t.Fatalf("self unreachable")
	}
	if len(path) != 1 || path[0] != self {
		t.Fatalf("route to self = %v", path)
	}
}

func TestRouteTo_Unknown(t *testing.T) {
	r := New(sid(1), staticRoutes{{sid(2), sid(3)}})
	if path, ok := r.RouteTo(sid(9)); ok {
		t.Fatalf("unknown destination reachable via %v", path)
	}
}

func TestRouteTo_DirectNeighbor(t *testing.T) {
	self := sid(1)
	hop := sid(2)
	// A single-element route: the destination is the next hop.
	r := New(self, staticRoutes{{hop}})
	path, ok := r.RouteTo(hop)
	if !ok {
		t.Fatalf("neighbor unreachable")
	}
	want := []chat.ServerId{self, hop}
	if len(path) != 2 || path[0] != want[0] || path[1] != want[1] {
		t.Fatalf("path = %v, want %v", path, want)
	}
}

func TestRouteTo_ChoosesShortest(t *testing.T) {
	self := sid(1)
	// Long way: dest(5) <- 4 <- 3 <- hop 2; short way: dest(5) <- hop 6.
	routes := staticRoutes{
		{sid(5), sid(4), sid(3), sid(2)},
		{sid(5), sid(6)},
	}
	r := New(self, routes)
	path, ok := r.RouteTo(sid(5))
	if !ok {
		t.Fatalf("destination unreachable")
	}
	if len(path) != 3 {
		t.Fatalf("path length = %d (%v), want 3", len(path), path)
	}
	if path[0] != self || path[len(path)-1] != sid(5) {
		t.Fatalf("path endpoints = %v", path)
	}
	if path[1] != sid(6) {
		t.Fatalf("path middle = %v, want %v", path[1], sid(6))
	}
}

func TestRouteTo_MultiHop(t *testing.T) {
	self := sid(1)
	// Only route: destination 4 via chain 4-3-2, next hop 2.
	r := New(self, staticRoutes{{sid(4), sid(3), sid(2)}})
	path, ok := r.RouteTo(sid(4))
	if !ok {
		t.Fatalf("destination unreachable")
	}
	want := []chat.ServerId{self, sid(2), sid(3), sid(4)}
	if len(path) != len(want) {
		t.Fatalf("path = %v, want %v", path, want)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("path = %v, want %v", path, want)
		}
	}
}

func TestRouteTo_PathIsMinimal(t *testing.T) {
	self := sid(1)
	// Dense mesh with a direct edge to the destination among longer routes.
	routes := staticRoutes{
		{sid(7), sid(6), sid(5), sid(4), sid(3), sid(2)},
		{sid(7), sid(9)},
		{sid(9)},
	}
	r := New(self, routes)
	path, ok := r.RouteTo(sid(7))
	if !ok {
		t.Fatalf("destination unreachable")
	}
	// self -> 9 -> 7 is the shortest available.
	if len(path) != 3 {
		t.Fatalf("path = %v, want length 3", path)
	}
}
