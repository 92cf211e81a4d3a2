package diagram

import (
	"fmt"

	"github.com/rendis/playbookd/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// PlaybookSource resolves playbook.run targets. Satisfied by *playbooks.Library.
type PlaybookSource interface {
	Get(name string) (*schema.Playbook, error)
}

// BuildOption customises Build.
type BuildOption func(*builder)

// WithSubPlaybooks expands playbook.run steps one level deep using src.
// Targets that cannot be resolved are drawn unexpanded.
func WithSubPlaybooks(src PlaybookSource) BuildOption {
	return func(b *builder) { b.src = src }
}

// WithOverlay colours nodes with runtime state.
func WithOverlay(o Overlay) BuildOption {
	return func(b *builder) { b.overlay = o }
}

type builder struct {
	src     PlaybookSource
	overlay Overlay
}

// Build constructs a DiagramModel from a playbook. Steps run in order, so
// the model is a chain between virtual start and end nodes.
func Build(pb *schema.Playbook, opts ...BuildOption) (*DiagramModel, error) {
	if pb == nil {
		return nil, fmt.Errorf("diagram: playbook is nil")
	}
	b := &builder{}
	for _, o := range opts {
		o(b)
	}

	seen := make(map[string]bool, len(pb.Steps))
	nodes := make([]*Node, 0, len(pb.Steps)+2) // +2 for start/end
	levels := make([][]string, 0, len(pb.Steps)+2)

	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	levels = append(levels, []string{startID})

	for i := range pb.Steps {
		step := &pb.Steps[i]
		if seen[step.ID] {
			return nil, fmt.Errorf("diagram: duplicate step id %q", step.ID)
		}
		seen[step.ID] = true

		node := stepToNode(step)
		node.Status = b.overlay[step.ID]
		if sg := b.expand(step); sg != nil {
			node.Children = append(node.Children, sg)
		}
		nodes = append(nodes, node)
		levels = append(levels, []string{step.ID})
	}

	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	levels = append(levels, []string{endID})

	return &DiagramModel{
		Title:  pb.Ref(),
		Nodes:  nodes,
		Edges:  chainEdges(pb.Steps, "", startID, endID),
		Levels: levels,
	}, nil
}

// stepToNode maps a Step to a diagram Node.
func stepToNode(step *schema.Step) *Node {
	return &Node{
		ID:    step.ID,
		Label: nodeLabel(step),
		Kind:  stepKind(step),
	}
}

func stepKind(step *schema.Step) NodeKind {
	switch step.Namespace() {
	case schema.NamespaceUtility:
		return NodeKindUtility
	case schema.NamespaceAI:
		return NodeKindAI
	case schema.NamespacePlaybook:
		return NodeKindPlaybook
	default:
		return NodeKindDomain
	}
}

// nodeLabel is "id (type)", with the retry budget when there is one.
func nodeLabel(step *schema.Step) string {
	label := fmt.Sprintf("%s (%s)", step.ID, step.Type)
	if step.RetryCount > 0 {
		label += fmt.Sprintf(" x%d", step.RetryCount+1)
	}
	return label
}

// chainEdges links steps in order. prefix qualifies ids inside subgraphs;
// from and to are the chain's entry and exit, empty to leave them open.
func chainEdges(steps []schema.Step, prefix, from, to string) []Edge {
	var edges []Edge
	prev, label := from, ""
	for i := range steps {
		id := prefix + steps[i].ID
		if prev != "" {
			edges = append(edges, Edge{From: prev, To: id, Label: label})
		}
		prev, label = id, ""
		if steps[i].FailurePolicy() == schema.OnFailureContinue {
			label = "continue on failure"
		}
	}
	if prev != "" && to != "" {
		edges = append(edges, Edge{From: prev, To: to, Label: label})
	}
	return edges
}

// expand builds the subgraph for a playbook.run step. Sub-step ids are
// qualified as parentID.stepID.
func (b *builder) expand(step *schema.Step) *SubGraph {
	if b.src == nil || step.Namespace() != schema.NamespacePlaybook {
		return nil
	}
	name, _ := step.Params["playbook"].(string)
	if name == "" {
		return nil
	}
	sub, err := b.src.Get(name)
	if err != nil {
		return nil
	}

	prefix := step.ID + "."
	sg := &SubGraph{Label: sub.Ref()}
	for i := range sub.Steps {
		n := stepToNode(&sub.Steps[i])
		n.ID = prefix + n.ID
		n.Status = b.overlay[n.ID]
		sg.Nodes = append(sg.Nodes, n)
	}
	sg.Edges = chainEdges(sub.Steps, prefix, "", "")
	return sg
}
