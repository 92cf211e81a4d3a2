package diagram

import (
	"fmt"
	"strings"
)

var mermaidClasses = []string{
	"classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff",
	"classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff",
	"classDef running fill:#1a5276,stroke:#0e3a52,color:#fff",
	"classDef retrying fill:#7d3c98,stroke:#512e5f,color:#fff",
	"classDef paused fill:#b7791a,stroke:#8a5c14,color:#fff",
	"classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff",
	"classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5",
}

// RenderMermaid renders a DiagramModel as a Mermaid flowchart.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
		for i, sg := range node.Children {
			fmt.Fprintf(&b, "    subgraph %s_sub%d[%q]\n", mermaidSafeID(node.ID), i, node.ID+": "+sg.Label)
			for _, n := range sg.Nodes {
				fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(n))
			}
			writeMermaidEdges(&b, "        ", sg.Edges)
			b.WriteString("    end\n")
			// Attach the subgraph to its playbook.run step.
			if len(sg.Nodes) > 0 {
				fmt.Fprintf(&b, "    %s -.-> %s\n", mermaidSafeID(node.ID), mermaidSafeID(sg.Nodes[0].ID))
			}
		}
	}
	writeMermaidEdges(&b, "    ", model.Edges)

	b.WriteString("\n")
	for _, c := range mermaidClasses {
		fmt.Fprintf(&b, "    %s\n", c)
	}
	for _, node := range model.Nodes {
		writeMermaidClass(&b, node)
		for _, sg := range node.Children {
			for _, n := range sg.Nodes {
				writeMermaidClass(&b, n)
			}
		}
	}

	return b.String()
}

func writeMermaidEdges(b *strings.Builder, indent string, edges []Edge) {
	for _, e := range edges {
		label := ""
		if e.Label != "" {
			label = fmt.Sprintf("|%s|", e.Label)
		}
		fmt.Fprintf(b, "%s%s -->%s %s\n", indent, mermaidSafeID(e.From), label, mermaidSafeID(e.To))
	}
}

func writeMermaidClass(b *strings.Builder, node *Node) {
	if node.Status == nil {
		return
	}
	if cls := mermaidStatusClass(node.Status.Status); cls != "" {
		fmt.Fprintf(b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
	}
}

// mermaidNodeDef returns a node definition shaped by kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := node.Label

	switch node.Kind {
	case NodeKindAI:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindPlaybook:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindUtility:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default: // domain
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID replaces characters Mermaid does not accept in ids.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func mermaidStatusClass(status string) string {
	switch status {
	case StatusCompleted, StatusFailed, StatusRunning, StatusRetrying,
		StatusPaused, StatusPending, StatusSkipped:
		return status
	default:
		return ""
	}
}
