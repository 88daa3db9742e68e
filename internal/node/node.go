// Package node talks to paired remote executors. A node is a previously
// paired machine reachable over a WebSocket RPC channel; the dispatcher
// sends approved commands there instead of spawning locally.
package node

import (
	"fmt"
	"sort"
	"sync"
)

// Node is one paired remote executor.
type Node struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Registry tracks paired nodes and resolves which one a request targets.
type Registry struct {
	mu     sync.Mutex
	nodes  map[string]Node
	pinned string
}

// NewRegistry creates a registry. pinned, when non-empty, names the node
// used whenever a request does not name one explicitly.
func NewRegistry(pinned string) *Registry {
	return &Registry{nodes: make(map[string]Node), pinned: pinned}
}

// Add registers or replaces a paired node.
func (r *Registry) Add(n Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.ID] = n
}

// Remove unpairs a node.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, id)
}

// List returns all paired nodes sorted by id.
func (r *Registry) List() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Resolve picks the target node for a request: the explicit id if given,
// otherwise the pinned node, otherwise the sole paired node. Multiple
// candidates with no selection is an error rather than a guess.
func (r *Registry) Resolve(explicit string) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if explicit != "" {
		n, ok := r.nodes[explicit]
		if !ok {
			return Node{}, fmt.Errorf("node %q is not paired", explicit)
		}
		return n, nil
	}
	if r.pinned != "" {
		n, ok := r.nodes[r.pinned]
		if !ok {
			return Node{}, fmt.Errorf("pinned node %q is not paired", r.pinned)
		}
		return n, nil
	}
	switch len(r.nodes) {
	case 0:
		return Node{}, fmt.Errorf("no remote node is paired")
	case 1:
		for _, n := range r.nodes {
			return n, nil
		}
	}
	return Node{}, fmt.Errorf("multiple remote nodes are paired; name one in the request or pin a default")
}
