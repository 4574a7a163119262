package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	// Group members are defined inside their subgraph.
	grouped := make(map[string]bool)
	for _, sg := range model.Groups {
		for _, id := range sg.Members {
			grouped[id] = true
		}
	}
	for _, node := range model.Nodes {
		if !grouped[node.ID] {
			fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
		}
	}
	for _, sg := range model.Groups {
		fmt.Fprintf(&b, "    subgraph %s[\"%s\"]\n", mermaidSafeID("group_"+sg.Label), sg.Label)
		for _, id := range sg.Members {
			if node := findNode(model.Nodes, id); node != nil {
				fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(node))
			}
		}
		b.WriteString("    end\n")
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := strings.ReplaceAll(node.Label, "\n", " ")

	switch node.Kind {
	case NodeKindGate:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindAsset:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", "/", "_")
	return r.Replace(id)
}

func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "running", "pending", "skipped":
		return status
	case StatusWaiting:
		return "waiting"
	default:
		return ""
	}
}
