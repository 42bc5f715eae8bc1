// Package knowledge turns a chatbot's knowledge tree and a session's
// recent history into the prompt handed to the AI responder.
package knowledge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/real-rm/chatroom/internal/constants"
	"github.com/real-rm/chatroom/internal/model"
)

// Tree is an arena of nodes indexed by id. Children are kept sorted by id
// so every traversal visits nodes in the same order.
type Tree struct {
	chatbotID string
	nodes     []model.Node
	index     map[string]int
	children  [][]int
	root      int
}

// BuildTree validates nodes as a single rooted, acyclic tree owned by chatbotID
func BuildTree(chatbotID string, nodes []model.Node) (*Tree, error) {
	if len(nodes) > constants.MaxTreeNodes {
		return nil, fmt.Errorf("tree has %d nodes, limit is %d", len(nodes), constants.MaxTreeNodes)
	}

	t := &Tree{
		chatbotID: chatbotID,
		nodes:     make([]model.Node, len(nodes)),
		index:     make(map[string]int, len(nodes)),
		children:  make([][]int, len(nodes)),
		root:      -1,
	}
	copy(t.nodes, nodes)
	sort.Slice(t.nodes, func(i, j int) bool { return t.nodes[i].ID < t.nodes[j].ID })

	for i, n := range t.nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("node at position %d has no id", i)
		}
		if n.ChatbotID != chatbotID {
			return nil, fmt.Errorf("node %s belongs to chatbot %s", n.ID, n.ChatbotID)
		}
		if _, dup := t.index[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %s", n.ID)
		}
		t.index[n.ID] = i
	}

	for i, n := range t.nodes {
		if n.ParentID == nil {
			if t.root != -1 {
				return nil, fmt.Errorf("multiple roots: %s and %s", t.nodes[t.root].ID, n.ID)
			}
			t.root = i
			continue
		}
		parent, ok := t.index[*n.ParentID]
		if !ok {
			return nil, fmt.Errorf("node %s has unknown parent %s", n.ID, *n.ParentID)
		}
		// nodes are visited in id order, so each child list ends up sorted
		t.children[parent] = append(t.children[parent], i)
	}

	if len(t.nodes) == 0 {
		return t, nil
	}
	if t.root == -1 {
		return nil, fmt.Errorf("tree has no root")
	}

	reached := 0
	t.walk(func(int, int) { reached++ })
	if reached != len(t.nodes) {
		return nil, fmt.Errorf("tree contains a cycle: %d of %d nodes reachable from the root", reached, len(t.nodes))
	}
	return t, nil
}

// walk visits nodes depth-first from the root with their depth
func (t *Tree) walk(visit func(idx, depth int)) {
	if t.root == -1 {
		return
	}
	type frame struct{ idx, depth int }
	stack := []frame{{t.root, 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visit(f.idx, f.depth)
		kids := t.children[f.idx]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, frame{kids[i], f.depth + 1})
		}
	}
}

// ChatbotID returns the owning chatbot
func (t *Tree) ChatbotID() string { return t.chatbotID }

// Len returns the number of nodes
func (t *Tree) Len() int { return len(t.nodes) }

// Empty reports whether the tree has no nodes
func (t *Tree) Empty() bool { return len(t.nodes) == 0 }

// Root returns the root node
func (t *Tree) Root() (model.Node, bool) {
	if t.root == -1 {
		return model.Node{}, false
	}
	return t.nodes[t.root], true
}

// Node looks a node up by id
func (t *Tree) Node(id string) (model.Node, bool) {
	i, ok := t.index[id]
	if !ok {
		return model.Node{}, false
	}
	return t.nodes[i], true
}

// Contains reports whether id is a node of this tree
func (t *Tree) Contains(id string) bool {
	_, ok := t.index[id]
	return ok
}

// Children returns the direct children of id in id order
func (t *Tree) Children(id string) []model.Node {
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	out := make([]model.Node, 0, len(t.children[i]))
	for _, c := range t.children[i] {
		out = append(out, t.nodes[c])
	}
	return out
}

// Path returns the nodes from the root down to id
func (t *Tree) Path(id string) []model.Node {
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	var path []model.Node
	for {
		n := t.nodes[i]
		path = append(path, n)
		if n.ParentID == nil {
			break
		}
		i = t.index[*n.ParentID]
	}
	for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
		path[l], path[r] = path[r], path[l]
	}
	return path
}

// Render serializes the whole tree as an indented outline
func (t *Tree) Render() string {
	if t.Empty() {
		return ""
	}
	var b strings.Builder
	t.walk(func(idx, depth int) {
		writeNodeLine(&b, t.nodes[idx], depth)
	})
	return b.String()
}

func writeNodeLine(b *strings.Builder, n model.Node, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString("- [")
	b.WriteString(n.ID)
	b.WriteString("] ")
	b.WriteString(n.Label)
	if content := strings.TrimSpace(n.Content); content != "" {
		b.WriteString(": ")
		b.WriteString(strings.ReplaceAll(content, "\n", " "))
	}
	b.WriteByte('\n')
}

// Outline is the nested form of a tree used by the HTTP API and seed files
type Outline struct {
	ID       string     `json:"id,omitempty" yaml:"id,omitempty"`
	Label    string     `json:"label" yaml:"label"`
	Content  string     `json:"content" yaml:"content"`
	Children []*Outline `json:"children" yaml:"children"`
}

// Outline returns the nested form, or nil for an empty tree
func (t *Tree) Outline() *Outline {
	if t.root == -1 {
		return nil
	}
	return t.outline(t.root)
}

func (t *Tree) outline(i int) *Outline {
	n := t.nodes[i]
	o := &Outline{ID: n.ID, Label: n.Label, Content: n.Content, Children: []*Outline{}}
	for _, c := range t.children[i] {
		o.Children = append(o.Children, t.outline(c))
	}
	return o
}

// Flatten assigns ids with newID and returns the nodes of o in parent-first
// order. Ids already present on the outline are kept.
func Flatten(chatbotID string, o *Outline, newID func() string) ([]model.Node, error) {
	if o == nil {
		return nil, nil
	}
	var nodes []model.Node
	var visit func(o *Outline, parent *string, depth int) error
	visit = func(o *Outline, parent *string, depth int) error {
		if strings.TrimSpace(o.Label) == "" {
			return fmt.Errorf("node at depth %d has no label", depth)
		}
		if len(nodes) >= constants.MaxTreeNodes {
			return fmt.Errorf("tree exceeds %d nodes", constants.MaxTreeNodes)
		}
		id := o.ID
		if id == "" {
			id = newID()
		}
		nodes = append(nodes, model.Node{
			ID:        id,
			ChatbotID: chatbotID,
			Label:     o.Label,
			Content:   o.Content,
			ParentID:  parent,
		})
		for _, c := range o.Children {
			if c == nil {
				continue
			}
			if err := visit(c, &id, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(o, nil, 0); err != nil {
		return nil, err
	}
	return nodes, nil
}
