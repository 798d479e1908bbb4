package gfx

import "sync"

// Disposable defines any object holding backend handles that can be freed.
type Disposable interface {

	// Dispose releases the backend handles of the object. Calling it
	// more than once is a no-op.
	Dispose()

	// Disposed reports whether Dispose was called.
	Disposed() bool
}

// Owner is a node in the ownership tree. Children adopted by an
// Owner are disposed when the Owner is disposed.
type Owner interface {
	Disposable

	// Adopt registers child for cascading disposal.
	Adopt(child Disposable)
}

// Node implements Owner and is meant to be embedded into every
// backend object. The zero value is a root without a release hook.
type Node struct {
	mu       sync.Mutex
	parent   Owner
	self     Disposable
	children []Disposable
	disposed bool
	release  func()
}

// Init attaches the node to owner, which may be nil for a root. self is
// the embedding object, release frees its own handles after all of its
// children were disposed.
func (n *Node) Init(owner Owner, self Disposable, release func()) error {
	if owner != nil && owner.Disposed() {
		return ErrDisposed
	}
	n.parent = owner
	n.self = self
	n.release = release
	if owner != nil {
		owner.Adopt(self)
	}
	return nil
}

// Adopt implements Owner.
func (n *Node) Adopt(child Disposable) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.children = append(n.children, child)
}

// Disposed implements Disposable.
func (n *Node) Disposed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.disposed
}

// Dispose disposes children in reverse creation order, then releases the
// node itself and detaches it from its owner.
func (n *Node) Dispose() {
	n.mu.Lock()
	if n.disposed {
		n.mu.Unlock()
		return
	}
	n.disposed = true
	children := n.children
	n.children = nil
	n.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		children[i].Dispose()
	}
	if n.release != nil {
		n.release()
	}
	if p, ok := n.parent.(interface{ forget(Disposable) }); ok && n.self != nil {
		p.forget(n.self)
	}
}

// Children returns the live children of the node.
func (n *Node) Children() []Disposable {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Disposable(nil), n.children...)
}

func (n *Node) forget(child Disposable) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}
