package cluster

import (
	"errors"
	"fmt"
	"slices"
)

// Context holds the membership of a single query: its token, the ordered set
// of participating nodes and the node running locally. The order of nodes is
// the partition index order.
//
// A Context is read-only after construction and is shared by every kernel of
// the query.
type Context struct {
	token     uint32
	nodes     []Node
	local     Node
	localIdx  int
	namespace string
	index     map[Node]int
}

// NewContext creates a new Context. NewContext returns an error if nodes is
// empty, contains duplicates, or does not contain local.
func NewContext(token uint32, nodes []Node, local Node, namespace string) (*Context, error) {
	if len(nodes) == 0 {
		return nil, errors.New("query context requires at least one node")
	}

	index := make(map[Node]int, len(nodes))
	for i, n := range nodes {
		if _, exists := index[n]; exists {
			return nil, fmt.Errorf("duplicate node %s in query context", n)
		}
		index[n] = i
	}

	localIdx, ok := index[local]
	if !ok {
		return nil, fmt.Errorf("local node %s is not a member of the query", local)
	}

	return &Context{
		token:     token,
		nodes:     slices.Clone(nodes),
		local:     local,
		localIdx:  localIdx,
		namespace: namespace,
		index:     index,
	}, nil
}

// SingleNode returns a Context for a query running only on local.
func SingleNode(token uint32, local Node) *Context {
	ctx, _ := NewContext(token, []Node{local}, local, "")
	return ctx
}

// Token returns the query token.
func (c *Context) Token() uint32 { return c.token }

// NodeCount returns the number of participating nodes.
func (c *Context) NodeCount() int { return len(c.nodes) }

// Nodes returns a copy of the ordered participating nodes.
func (c *Context) Nodes() []Node { return slices.Clone(c.nodes) }

// Node returns the node at partition index i.
func (c *Context) Node(i int) Node { return c.nodes[i] }

// LocalNode returns the node executing this copy of the query.
func (c *Context) LocalNode() Node { return c.local }

// LocalIndex returns the partition index of the local node.
func (c *Context) LocalIndex() int { return c.localIdx }

// Namespace returns the optional query namespace.
func (c *Context) Namespace() string { return c.namespace }

// NodeIndex returns the partition index of n.
func (c *Context) NodeIndex(n Node) (int, bool) {
	i, ok := c.index[n]
	return i, ok
}

// Master returns the node which aggregates data that must be agreed upon by
// every node, such as the samples of a distributed sort.
func (c *Context) Master() Node { return c.nodes[0] }

// IsMaster reports whether the local node is the master.
func (c *Context) IsMaster() bool { return c.localIdx == 0 }

// IsSingleNode reports whether the query runs on a single node.
func (c *Context) IsSingleNode() bool { return len(c.nodes) == 1 }

// Peers returns every node except the local one, in partition index order.
func (c *Context) Peers() []Node {
	peers := make([]Node, 0, len(c.nodes)-1)
	for i, n := range c.nodes {
		if i != c.localIdx {
			peers = append(peers, n)
		}
	}
	return peers
}

// WithLocal returns a copy of c which executes on local instead. It is used
// to run several nodes of the same query in one process.
func (c *Context) WithLocal(local Node) (*Context, error) {
	return NewContext(c.token, c.nodes, local, c.namespace)
}
