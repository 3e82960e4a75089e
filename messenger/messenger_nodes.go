package messenger

import (
	"reflect"
	"strings"
)

// node is one segment of the topic radix trie used by nobrokerConn, the
// in-process (no external broker) Conn implementation NewMessenger
// returns for ID "none". Segments "+" and "#" are stored as literal map
// keys and matched with MQTT wildcard semantics during lookup.
type node struct {
	index    string
	nodes    map[string]*node
	handlers []MsgHandler
}

// root is the trie NewMessenger("none") publishes/subscribes through.
var root *node

func init() {
	initNodes()
}

func newNode(index string) *node {
	return &node{index: index, nodes: make(map[string]*node)}
}

// initNodes (re)creates an empty root trie.
func initNodes() {
	root = newNode("/")
}

// clearNodes drops the root trie entirely (root becomes nil).
func clearNodes() {
	root = nil
}

// resetNodes discards any existing subscriptions and starts fresh.
func resetNodes() {
	root = newNode("/")
}

func (n *node) child(seg string) *node {
	c, ok := n.nodes[seg]
	if !ok {
		c = newNode(seg)
		n.nodes[seg] = c
	}
	return c
}

// insert registers handler at topic, creating intermediate segment
// nodes as needed.
func (n *node) insert(topic string, handler MsgHandler) {
	cur := n
	for _, seg := range strings.Split(topic, "/") {
		cur = cur.child(seg)
	}
	if handler != nil {
		cur.handlers = append(cur.handlers, handler)
	}
}

// lookup resolves topic to the node whose handlers should receive a
// publish, honoring "+" (single level) and "#" (remaining levels)
// wildcards inserted along the way. Returns nil if no route matches.
func (n *node) lookup(topic string) *node {
	return n.lookupSegs(strings.Split(topic, "/"))
}

func (n *node) lookupSegs(segs []string) *node {
	if len(segs) == 0 {
		return n
	}
	if c, ok := n.nodes["#"]; ok {
		return c
	}
	seg, rest := segs[0], segs[1:]
	if c, ok := n.nodes[seg]; ok {
		if found := c.lookupSegs(rest); found != nil {
			return found
		}
	}
	if c, ok := n.nodes["+"]; ok {
		if found := c.lookupSegs(rest); found != nil {
			return found
		}
	}
	return nil
}

// remove detaches handler (or every handler, if handler is nil) from
// topic and prunes any node left with no handlers and no children.
func (n *node) remove(topic string, handler MsgHandler) {
	n.removeSegs(strings.Split(topic, "/"), handler)
}

func (n *node) removeSegs(segs []string, handler MsgHandler) bool {
	if len(segs) == 0 {
		if handler == nil {
			n.handlers = nil
		} else {
			kept := n.handlers[:0]
			for _, h := range n.handlers {
				if !sameHandler(h, handler) {
					kept = append(kept, h)
				}
			}
			n.handlers = kept
		}
		return len(n.handlers) == 0 && len(n.nodes) == 0
	}

	seg, rest := segs[0], segs[1:]
	child, ok := n.nodes[seg]
	if !ok {
		return false
	}
	if child.removeSegs(rest, handler) {
		delete(n.nodes, seg)
	}
	return len(n.handlers) == 0 && len(n.nodes) == 0
}

func sameHandler(a, b MsgHandler) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// pub invokes every handler registered at n with msg, returning the
// first error encountered (subsequent handlers still run).
func (n *node) pub(msg *Msg) error {
	var first error
	for _, h := range n.handlers {
		if err := h(msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}
