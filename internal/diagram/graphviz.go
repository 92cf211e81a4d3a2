package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// ImageFormat selects the graphviz output.
type ImageFormat string

const (
	FormatPNG ImageFormat = "png"
	FormatSVG ImageFormat = "svg"
)

// RenderImage renders a DiagramModel through graphviz and returns the
// encoded image.
func RenderImage(ctx context.Context, model *DiagramModel, format ImageFormat) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG, "":
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		n, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		n.SetLabel(node.Label)
		applyNodeStyle(n, node)
		gvNodes[node.ID] = n
	}

	for _, node := range model.Nodes {
		for i, sg := range node.Children {
			sub, err := graph.CreateSubGraphByName(fmt.Sprintf("cluster_%s_%d", node.ID, i))
			if err != nil {
				return nil, fmt.Errorf("diagram: create cluster for %s: %w", node.ID, err)
			}
			sub.SetLabel(sg.Label)
			sub.SetStyle(cgraph.DashedGraphStyle)

			for _, sn := range sg.Nodes {
				n, err := sub.CreateNodeByName(sn.ID)
				if err != nil {
					return nil, fmt.Errorf("diagram: create node %s: %w", sn.ID, err)
				}
				n.SetLabel(sn.Label)
				applyNodeStyle(n, sn)
				gvNodes[sn.ID] = n
			}
			if err := addEdges(graph, gvNodes, sg.Edges); err != nil {
				return nil, err
			}
			if len(sg.Nodes) > 0 {
				e, err := graph.CreateEdgeByName("", gvNodes[node.ID], gvNodes[sg.Nodes[0].ID])
				if err != nil {
					return nil, fmt.Errorf("diagram: link %s: %w", node.ID, err)
				}
				e.SetStyle(cgraph.DashedEdgeStyle)
			}
		}
	}

	if err := addEdges(graph, gvNodes, model.Edges); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", gvFormat, err)
	}
	return buf.Bytes(), nil
}

func addEdges(graph *cgraph.Graph, nodes map[string]*cgraph.Node, edges []Edge) error {
	for _, edge := range edges {
		from, to := nodes[edge.From], nodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, err)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
	}
	return nil
}

// applyNodeStyle sets shape by kind and colour by status.
func applyNodeStyle(n *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindDomain:
		n.SetShape(cgraph.BoxShape)
	case NodeKindUtility:
		n.SetShape(cgraph.EllipseShape)
	case NodeKindAI:
		n.SetShape(cgraph.HexagonShape)
	case NodeKindPlaybook:
		n.SetShape(cgraph.Box3DShape)
	case NodeKindStart, NodeKindEnd:
		n.SetShape(cgraph.CircleShape)
		n.SetWidth(0.5)
		n.SetHeight(0.5)
	}
	if node.Status != nil {
		applyStatusColor(n, node.Status.Status)
	}
}

func applyStatusColor(n *cgraph.Node, status string) {
	n.SetStyle(cgraph.FilledNodeStyle)
	switch status {
	case StatusCompleted:
		n.SetFillColor("#2d6a2d")
		n.SetFontColor("white")
	case StatusFailed:
		n.SetFillColor("#8b1a1a")
		n.SetFontColor("white")
	case StatusRunning:
		n.SetFillColor("#1a5276")
		n.SetFontColor("white")
	case StatusRetrying:
		n.SetFillColor("#7d3c98")
		n.SetFontColor("white")
	case StatusPaused:
		n.SetFillColor("#b7791a")
		n.SetFontColor("white")
	case StatusPending:
		n.SetFillColor("#d3d3d3")
		n.SetFontColor("black")
	case StatusSkipped:
		n.SetFillColor("#e8e8e8")
		n.SetFontColor("#888888")
		n.SetStyle(cgraph.DashedNodeStyle)
	}
}
