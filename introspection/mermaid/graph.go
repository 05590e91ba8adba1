// Package mermaid renders an introspection report as a Mermaid flowchart.
package mermaid

import (
	"fmt"
	"sort"
	"strings"
)

// NodeType orders nodes in the rendered graph: capabilities and config keys first, then their
// consumers, hosted components, shutdown participants and the app itself.
type NodeType int

const (
	NodeDependency NodeType = iota
	NodeConfig
	NodeCaller
	NodeRunnable
	NodeParticipant
	NodeApp
)

// Node is a vertex of the graph.
type Node struct {
	ID    string
	Label string
	Type  NodeType
	Style Style
}

// Edge is a directed link between two node IDs. Arrow defaults to "-->".
type Edge struct {
	From  string
	To    string
	Arrow string
}

// Graph holds the nodes and edges to render.
type Graph struct {
	Nodes []Node
	Edges []Edge
}

// Style is the CSS applied to a node.
type Style struct {
	Fill        string
	Stroke      string
	StrokeWidth string
	Color       string
	FontWeight  string
}

// CSS returns the style in Mermaid's comma separated form.
func (s Style) CSS() string {
	var parts []string
	for _, kv := range [][2]string{
		{"fill", s.Fill},
		{"stroke", s.Stroke},
		{"stroke-width", s.StrokeWidth},
		{"color", s.Color},
		{"font-weight", s.FontWeight},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+":"+kv[1])
		}
	}
	return strings.Join(parts, ",")
}

// label joins a bold title with smaller detail lines.
func label(title string, details ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>", title)
	for _, d := range details {
		if d == "" {
			continue
		}
		fmt.Fprintf(&b, "<br/><span style='font-size:11px'>%s</span>", d)
	}
	return b.String()
}

// RenderTD renders the graph top-down. Nodes keep their type order, edges are sorted.
func (g *Graph) RenderTD() string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	nodes := make([]Node, len(g.Nodes))
	copy(nodes, g.Nodes)
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Type < nodes[j].Type })
	for _, n := range nodes {
		fmt.Fprintf(&b, "    %s[\"%s\"]\n", sanitizeID(n.ID), strings.ReplaceAll(n.Label, `"`, "#quot;"))
	}

	edges := make([]Edge, len(g.Edges))
	copy(edges, g.Edges)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From == edges[j].From {
			return edges[i].To < edges[j].To
		}
		return edges[i].From < edges[j].From
	})
	for _, e := range edges {
		arrow := e.Arrow
		if arrow == "" {
			arrow = "-->"
		}
		fmt.Fprintf(&b, "    %s %s %s\n", sanitizeID(e.From), arrow, sanitizeID(e.To))
	}

	for _, n := range nodes {
		if css := n.Style.CSS(); css != "" {
			fmt.Fprintf(&b, "    style %s %s\n", sanitizeID(n.ID), css)
		}
	}
	return b.String()
}

var idReplacer = strings.NewReplacer(
	" ", "_",
	".", "_",
	"(", "_",
	")", "_",
	":", "_",
	"*", "ptr_",
	",", "_",
	"[", "_",
	"]", "_",
	"-", "_",
	"/", "_",
	"\"", "_",
)

// sanitizeID turns s into a valid Mermaid node ID.
func sanitizeID(s string) string {
	return idReplacer.Replace(s)
}
