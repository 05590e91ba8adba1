package mermaid

import (
	"fmt"

	"github.com/cleitonmarx/lifeline/introspection"
)

const appNodeID = "LifelineApp"

var (
	styleDepUsed     = Style{Fill: "#e0f7fa", Stroke: "#00838f", StrokeWidth: "2px", Color: "#222222"}
	styleDepUnused   = Style{Fill: "#fce1e1", Stroke: "#a60202", StrokeWidth: "2px", Color: "#b26a00"}
	styleConfig      = Style{Fill: "#e8f5e9", Stroke: "#388e3c", StrokeWidth: "2px", Color: "#222222"}
	styleCaller      = Style{Fill: "#fff3e0", Stroke: "#f57c00", StrokeWidth: "2px", Color: "#222222"}
	styleRunnable    = Style{Fill: "#e3e0fc", Stroke: "#6c47a6", StrokeWidth: "2px", Color: "#222222"}
	styleParticipant = Style{Fill: "#fffde7", Stroke: "#9e9d24", StrokeWidth: "2px", Color: "#222222"}
	styleApp         = Style{Fill: "#0525f5", Stroke: "black", StrokeWidth: "3px", Color: "#ffffff", FontWeight: "bold"}
)

// GenerateIntrospectionGraph renders r as a Mermaid flowchart. Capabilities point to the code
// resolving them, config keys to the code reading them, hosted runnables to the app, and shutdown
// participants form a chain in the order they are consulted.
func GenerateIntrospectionGraph(r introspection.Report) string {
	b := newBuilder()
	b.node(Node{
		ID:    appNodeID,
		Label: label("lifeline", "phase: "+r.Phase.String(), fmt.Sprintf("pool: %d workers", r.Dispatcher.PoolSize)),
		Type:  NodeApp,
		Style: styleApp,
	})

	used := make(map[string]bool)
	for _, ev := range r.Deps {
		id := dependencyNodeID(ev)
		if !b.has(id) || ev.Kind == introspection.DepRegistered {
			impl := ""
			if ev.Impl != ev.Type {
				impl = "impl: " + ev.Impl
			}
			name := ""
			if ev.Name != "" {
				name = "name: " + ev.Name
			}
			b.node(Node{ID: id, Label: label(ev.Type, name, impl), Type: NodeDependency})
		}
		if ev.Kind != introspection.DepResolved {
			continue
		}
		used[id] = true
		consumer := consumerOf(ev.Caller, ev.Component, ev.Type)
		b.caller(consumer, ev.Caller)
		b.edge(Edge{From: id, To: consumer, Arrow: "-.->"})
	}
	for _, n := range b.nodes {
		if n.Type == NodeDependency {
			n.Style = styleDepUnused
			if used[n.ID] {
				n.Style = styleDepUsed
			}
			b.nodes[n.ID] = n
		}
	}

	for _, c := range r.Configs {
		source := c.Provider
		if c.UsedDefault {
			source = "default"
		}
		b.node(Node{ID: "cfg:" + c.Key, Label: label(c.Key, source), Type: NodeConfig, Style: styleConfig})
		consumer := consumerOf(c.Caller, c.Component, "")
		if consumer == "" {
			consumer = appNodeID
		} else {
			b.caller(consumer, c.Caller)
		}
		b.edge(Edge{From: "cfg:" + c.Key, To: consumer, Arrow: "-.->"})
	}

	for _, rn := range r.Runnables {
		b.node(Node{ID: rn.Type, Label: label(rn.Type, "runnable"), Type: NodeRunnable, Style: styleRunnable})
		b.edge(Edge{From: rn.Type, To: appNodeID, Arrow: "---"})
	}

	prev := appNodeID
	for i, p := range r.Participants {
		id := fmt.Sprintf("participant:%d", i)
		b.node(Node{ID: id, Label: label(p, fmt.Sprintf("shutdown #%d", i+1)), Type: NodeParticipant, Style: styleParticipant})
		b.edge(Edge{From: prev, To: id, Arrow: "==>"})
		prev = id
	}

	return b.graph().RenderTD()
}

// dependencyNodeID identifies a capability by its registered type and name.
func dependencyNodeID(ev introspection.DepEvent) string {
	return "dep:" + ev.Type + ":" + ev.Name
}

// consumerOf names the code that consumed a value: the calling function, else the component
// receiving it, else fallback.
func consumerOf(c introspection.Caller, component, fallback string) string {
	switch {
	case c.Func != "":
		return c.Func
	case component != "":
		return component
	default:
		return fallback
	}
}

// builder deduplicates nodes and edges while keeping insertion order.
type builder struct {
	order []string
	nodes map[string]Node
	edges []Edge
	seen  map[Edge]bool
}

func newBuilder() *builder {
	return &builder{nodes: make(map[string]Node), seen: make(map[Edge]bool)}
}

func (b *builder) has(id string) bool {
	_, ok := b.nodes[id]
	return ok
}

func (b *builder) node(n Node) {
	if !b.has(n.ID) {
		b.order = append(b.order, n.ID)
	}
	b.nodes[n.ID] = n
}

func (b *builder) caller(id string, c introspection.Caller) {
	if b.has(id) {
		return
	}
	loc := ""
	if c.File != "" {
		loc = fmt.Sprintf("%s:%d", c.File, c.Line)
	}
	b.node(Node{ID: id, Label: label(id, loc), Type: NodeCaller, Style: styleCaller})
}

func (b *builder) edge(e Edge) {
	if b.seen[e] {
		return
	}
	b.seen[e] = true
	b.edges = append(b.edges, e)
}

func (b *builder) graph() *Graph {
	g := &Graph{Edges: b.edges}
	for _, id := range b.order {
		g.Nodes = append(g.Nodes, b.nodes[id])
	}
	return g
}
