package browser

import (
	"strconv"
	"sync"
)

// Namespace separates the ARIA walk refs from the DOM pass refs.
type Namespace int

const (
	NamespaceAria Namespace = iota
	NamespaceDOM
)

// DOMRefPrefix marks refs issued by the DOM pass.
const DOMRefPrefix = "dom-"

// RefRegistry maps driver node handles to short refs for one page.
// A node keeps its ref for as long as the registry lives; a fresh page gets a fresh registry.
type RefRegistry struct {
	mu      sync.RWMutex
	byNode  [2]map[NodeID]string
	counter [2]int
	byRef   map[string]NodeID
}

// NewRefRegistry creates an empty registry.
func NewRefRegistry() *RefRegistry {
	return &RefRegistry{
		byNode: [2]map[NodeID]string{
			make(map[NodeID]string),
			make(map[NodeID]string),
		},
		byRef: make(map[string]NodeID),
	}
}

// Assign returns the ref for node in ns, issuing the next one when the node is new.
func (r *RefRegistry) Assign(ns Namespace, node NodeID) (ref string, fresh bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ref, ok := r.byNode[ns][node]; ok {
		return ref, false
	}
	r.counter[ns]++
	ref = strconv.Itoa(r.counter[ns])
	if ns == NamespaceDOM {
		ref = DOMRefPrefix + ref
	}
	r.byNode[ns][node] = ref
	r.byRef[ref] = node
	return ref, true
}

// Lookup returns the node a ref was issued for.
func (r *RefRegistry) Lookup(ref string) (NodeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.byRef[ref]
	return node, ok
}

// Count returns the number of issued refs across both namespaces.
func (r *RefRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRef)
}
