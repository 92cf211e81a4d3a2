package diagram

// NodeKind classifies a diagram node by the namespace of its step type.
type NodeKind string

const (
	NodeKindUtility  NodeKind = "utility"
	NodeKindDomain   NodeKind = "domain" // gateway.*, browser.*, designer.*
	NodeKindAI       NodeKind = "ai"
	NodeKindPlaybook NodeKind = "playbook"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// Step status names used by overlays and renderers.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // expanded sub-playbook steps
}

// SubGraph holds the steps of a nested playbook.run target.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	RetryCount int
	Error      string
}

// Overlay maps step ids to their runtime state.
type Overlay map[string]*StatusOverlay

// Edge represents the order between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
