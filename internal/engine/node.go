package engine

// Node is an element of the simulation tree.
type Node struct {
	name     string
	model    Model
	parent   *Node
	children []*Node
	disabled bool
}

// NewNode builds a node owning model with the given children.
func NewNode(name string, model Model, children ...*Node) *Node {
	n := &Node{name: name, model: model}
	for _, c := range children {
		n.add(c)
	}
	return n
}

func (n *Node) Name() string { return n.name }

func (n *Node) Model() Model { return n.model }

// Enabled reports whether the node and all its ancestors are enabled.
func (n *Node) Enabled() bool {
	for cur := n; cur != nil; cur = cur.parent {
		if cur.disabled {
			return false
		}
	}
	return true
}

func (n *Node) add(child *Node) {
	child.parent = n
	n.children = append(n.children, child)
}

func (n *Node) remove(child *Node) {
	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i], n.children[i+1:]...)
			child.parent = nil
			return
		}
	}
}

func (n *Node) child(name string) *Node {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// find searches the subtree depth-first, including disabled nodes.
func (n *Node) find(name string) *Node {
	if n.name == name {
		return n
	}
	for _, c := range n.children {
		if found := c.find(name); found != nil {
			return found
		}
	}
	return nil
}

func (n *Node) walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.children {
		c.walk(fn)
	}
}

func (n *Node) clone() *Node {
	cp := &Node{name: n.name, model: n.model.Clone(), disabled: n.disabled}
	for _, c := range n.children {
		cp.add(c.clone())
	}
	return cp
}

// descendant returns the first node in the subtree whose model has type T.
func descendant[T Model](n *Node) (T, *Node) {
	var found T
	var at *Node
	n.walk(func(c *Node) {
		if at != nil {
			return
		}
		if m, ok := c.model.(T); ok {
			found, at = m, c
		}
	})
	return found, at
}
