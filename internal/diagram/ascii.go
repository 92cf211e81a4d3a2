package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short indicator for a status.
func statusTag(status string) string {
	switch status {
	case StatusCompleted:
		return "[OK]"
	case StatusFailed:
		return "[FAIL]"
	case StatusRunning:
		return "[RUN]"
	case StatusRetrying:
		return "[RETRY]"
	case StatusPaused:
		return "[PAUSE]"
	case StatusSkipped:
		return "[SKIP]"
	case StatusPending:
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as boxes joined top to bottom.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	labels := make(map[string]string, len(model.Edges))
	for _, e := range model.Edges {
		labels[e.From] = e.Label
	}

	for i, level := range model.Levels {
		for _, id := range level {
			node := findNode(model.Nodes, id)
			if node == nil {
				continue
			}
			for _, line := range makeBox(node) {
				b.WriteString(line)
				b.WriteByte('\n')
			}
			if i < len(model.Levels)-1 {
				renderConnector(&b, labels[id])
			}
		}
	}

	for _, node := range model.Nodes {
		for _, sg := range node.Children {
			fmt.Fprintf(&b, "\n--- %s runs %s ---\n", node.ID, sg.Label)
			renderSubGraph(&b, sg)
		}
	}

	return b.String()
}

// makeBox draws a node as a box: label, then status, duration, retries and error.
func makeBox(node *Node) []string {
	content := []string{node.Label}
	if s := node.Status; s != nil {
		meta := statusTag(s.Status)
		if s.DurationMs > 0 {
			meta = strings.TrimSpace(fmt.Sprintf("%s %dms", meta, s.DurationMs))
		}
		if s.RetryCount > 0 {
			meta = strings.TrimSpace(fmt.Sprintf("%s retries=%d", meta, s.RetryCount))
		}
		if meta != "" {
			content = append(content, meta)
		}
		if s.Error != "" {
			content = append(content, "error: "+s.Error)
		}
	}

	maxLen := 0
	for _, line := range content {
		maxLen = max(maxLen, utf8.RuneCountInString(line))
	}

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", maxLen+2)+"┐")
	for _, line := range content {
		pad := strings.Repeat(" ", maxLen-utf8.RuneCountInString(line))
		lines = append(lines, "│ "+line+pad+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", maxLen+2)+"┘")
	return lines
}

// renderConnector draws the arrow to the next box.
func renderConnector(b *strings.Builder, label string) {
	if label != "" {
		fmt.Fprintf(b, "   │ %s\n", label)
	} else {
		b.WriteString("   │\n")
	}
	b.WriteString("   ▼\n")
}

func renderSubGraph(b *strings.Builder, sg *SubGraph) {
	for i, node := range sg.Nodes {
		tag := ""
		if node.Status != nil {
			tag = " " + statusTag(node.Status.Status)
		}
		fmt.Fprintf(b, "  %d. %s%s\n", i+1, node.Label, tag)
	}
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
