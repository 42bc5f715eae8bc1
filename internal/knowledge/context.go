package knowledge

import (
	"strings"

	"github.com/real-rm/chatroom/internal/model"
)

// SystemInstruction is the fixed preamble of every prompt
const SystemInstruction = "You are a helpful assistant for a chatbot platform. " +
	"Your goal is to answer the user's question based ONLY on the provided context. " +
	"If the answer is not in the context, politely say you don't know."

// Mode distinguishes the two prompt shapes
type Mode string

const (
	// ModeSession carries the whole tree and recent history
	ModeSession Mode = "session"
	// ModeNode carries one node and its direct children only
	ModeNode Mode = "node"
)

// PromptContext is everything the responder is told besides the query
type PromptContext struct {
	Mode        Mode
	Tree        string // rendered outline, session mode only
	CurrentNode *model.Node
	Path        []model.Node
	Children    []model.Node // node mode only
	History     []*model.Message
}

// Render produces the prompt text. Output depends only on the fields, so
// a fixed tree, node and history always render to the same bytes.
func (p *PromptContext) Render() string {
	var b strings.Builder
	b.WriteString(SystemInstruction)
	b.WriteString("\n\n")

	if p.Mode == ModeSession {
		if p.Tree == "" {
			b.WriteString("Knowledge tree: (empty)\n")
		} else {
			b.WriteString("Knowledge tree:\n")
			b.WriteString(p.Tree)
		}
		b.WriteString("\n")
	}

	if p.CurrentNode != nil {
		b.WriteString("Current node: ")
		b.WriteString(p.CurrentNode.Label)
		b.WriteString(" [")
		b.WriteString(p.CurrentNode.ID)
		b.WriteString("]\n")
		if len(p.Path) > 1 {
			labels := make([]string, len(p.Path))
			for i, n := range p.Path {
				labels[i] = n.Label
			}
			b.WriteString("Path: ")
			b.WriteString(strings.Join(labels, " > "))
			b.WriteString("\n")
		}
		if content := strings.TrimSpace(p.CurrentNode.Content); content != "" {
			b.WriteString("Content: ")
			b.WriteString(content)
			b.WriteString("\n")
		}
	} else {
		b.WriteString("Current node: (none)\n")
	}

	if p.Mode == ModeNode {
		b.WriteString("\nSub-topics:\n")
		if len(p.Children) == 0 {
			b.WriteString("(none)\n")
		}
		for _, c := range p.Children {
			writeNodeLine(&b, c, 0)
		}
	}

	if len(p.History) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, m := range p.History {
			b.WriteString(string(m.SenderType))
			b.WriteString(": ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}
