package tree

// NodeTree is a read-only index over a compiled FlowNode. It fixes the
// execution order: every regular step in declaration order, then every
// after-step in declaration order. Build a new tree instead of mutating one.
//
// A step and an after-step may share a name and therefore a path. Path
// lookups resolve such a path to the regular step; use Ordered or At to reach
// the after-step.
type NodeTree struct {
	root     *FlowNode
	ordered  []*StepNode
	index    map[NodePath]Node
	position map[NodePath]int
}

// NewNodeTree indexes root and its steps.
func NewNodeTree(root *FlowNode) *NodeTree {
	steps, after := root.Children(), root.After()

	t := &NodeTree{
		root:     root,
		ordered:  make([]*StepNode, 0, len(steps)+len(after)),
		index:    make(map[NodePath]Node, len(steps)+len(after)+1),
		position: make(map[NodePath]int, len(steps)+len(after)),
	}
	t.index[root.Path()] = root

	for _, list := range [][]*StepNode{steps, after} {
		for _, s := range list {
			if _, taken := t.position[s.Path()]; !taken {
				t.position[s.Path()] = len(t.ordered)
				t.index[s.Path()] = s
			}
			t.ordered = append(t.ordered, s)
		}
	}
	return t
}

// Root returns the flow node.
func (t *NodeTree) Root() *FlowNode { return t.root }

// Len returns the number of steps and after-steps.
func (t *NodeTree) Len() int { return len(t.ordered) }

// Ordered returns the flattened execution order.
func (t *NodeTree) Ordered() []*StepNode {
	out := make([]*StepNode, len(t.ordered))
	copy(out, t.ordered)
	return out
}

// At returns the node at position i of the execution order, or nil.
func (t *NodeTree) At(i int) *StepNode {
	if i < 0 || i >= len(t.ordered) {
		return nil
	}
	return t.ordered[i]
}

// Get returns the node at path, or nil.
func (t *NodeTree) Get(path NodePath) Node {
	return t.index[path]
}

// Step returns the step or after-step at path, or nil.
func (t *NodeTree) Step(path NodePath) *StepNode {
	if i, ok := t.position[path]; ok {
		return t.ordered[i]
	}
	return nil
}

// First returns the first node to execute, or nil for an empty tree.
func (t *NodeTree) First() *StepNode {
	if len(t.ordered) == 0 {
		return nil
	}
	return t.ordered[0]
}

// Next returns the node executed after path. The root precedes the first
// step. Next returns nil for the last node and for unknown paths. It is a
// pure position lookup and does not consider step outcomes.
func (t *NodeTree) Next(path NodePath) *StepNode {
	if path == t.root.Path() {
		return t.First()
	}
	i, ok := t.position[path]
	if !ok || i+1 >= len(t.ordered) {
		return nil
	}
	return t.ordered[i+1]
}

// ParentOf resolves the parent node of n through the index.
func (t *NodeTree) ParentOf(n Node) Node {
	p, ok := n.Parent()
	if !ok {
		return nil
	}
	return t.index[p]
}
