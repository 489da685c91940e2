package agent

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"
)

// Session exposes what a turn needs from the caller's session.
type Session interface {
	ID() string
	// InboundText returns the user's message, or "" when there is none.
	InboundText() string
}

// StaticSession is a Session backed by fixed values.
type StaticSession struct {
	SessionID string
	Text      string
}

func (s StaticSession) ID() string          { return s.SessionID }
func (s StaticSession) InboundText() string { return s.Text }

// Invocation is what business logic receives once the inbound text has
// been approved.
type Invocation struct {
	Node    *Node
	Session Session
	Input   string
	Verbose bool
}

// Logic is the business logic of a node. The returned sequence yields
// events in order; a non-nil error ends the turn.
type Logic interface {
	Handle(ctx context.Context, inv Invocation) iter.Seq2[Event, error]
}

// LogicFunc adapts a function to Logic.
type LogicFunc func(ctx context.Context, inv Invocation) iter.Seq2[Event, error]

func (f LogicFunc) Handle(ctx context.Context, inv Invocation) iter.Seq2[Event, error] {
	return f(ctx, inv)
}

// Node is a named participant in the delegation tree.
type Node struct {
	Name  string
	Color string
	Icon  string
	Logic Logic

	childrenSet atomic.Bool
	children    atomic.Pointer[childSet]
}

type childSet struct {
	ordered []*Node
	byName  map[string]*Node
}

// NewNode creates a node without children.
func NewNode(name, color, icon string, logic Logic) *Node {
	return &Node{Name: name, Color: color, Icon: icon, Logic: logic}
}

// Author is the node's own display identity.
func (n *Node) Author() Author {
	return Author{Name: n.Name, Color: n.Color, Icon: n.Icon}
}

// AuthorIn is the node's identity rendered in another color.
func (n *Node) AuthorIn(color string) Author {
	return Author{Name: n.Name, Color: color, Icon: n.Icon}
}

// SetChildren assigns the nodes this node may delegate to. It may be
// called once; names must be unique.
func (n *Node) SetChildren(children ...*Node) {
	if !n.childrenSet.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("agent: children of %q already set", n.Name))
	}
	set := &childSet{
		ordered: append([]*Node(nil), children...),
		byName:  make(map[string]*Node, len(children)),
	}
	for _, c := range children {
		if _, dup := set.byName[c.Name]; dup {
			panic(fmt.Sprintf("agent: duplicate child %q under %q", c.Name, n.Name))
		}
		set.byName[c.Name] = c
	}
	n.children.Store(set)
}

// Child looks up a direct child by name.
func (n *Node) Child(name string) (*Node, bool) {
	set := n.children.Load()
	if set == nil {
		return nil, false
	}
	c, ok := set.byName[name]
	return c, ok
}

// Children returns the direct children in registration order.
func (n *Node) Children() []*Node {
	set := n.children.Load()
	if set == nil {
		return nil
	}
	return append([]*Node(nil), set.ordered...)
}
