package conductor

import (
	"fmt"
	"sort"

	"github.com/dukex/orquestra/pkg/spec"
)

// Edge is a single transition from a source task to one of its targets.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Index  int    `json:"index"`
}

// Node is a task in the static graph.
type Node struct {
	ID string `json:"id"`
	// Inbound lists the distinct tasks, other than itself, that transition into this one.
	Inbound []string `json:"inbound,omitempty"`
	// Join is the number of inbound tasks that must fire before the task is staged.
	Join int `json:"join,omitempty"`
}

// Graph is the static task graph of a workflow. It never changes after Initialize.
type Graph struct {
	Nodes map[string]*Node `json:"nodes"`
	Edges []*Edge          `json:"edges"`
	Roots []string         `json:"roots"`
}

// TransitionID names the edge of the index-th transition of a task towards target.
func TransitionID(target string, index int) string {
	return fmt.Sprintf("%s__t%d", target, index)
}

// NewGraph derives the task graph of a workflow definition.
func NewGraph(workflow *spec.Workflow) (*Graph, error) {
	graph := &Graph{Nodes: make(map[string]*Node, len(workflow.Tasks))}

	names := make([]string, 0, len(workflow.Tasks))
	for name := range workflow.Tasks {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		graph.Nodes[name] = &Node{ID: name}
	}

	for _, name := range names {
		task := workflow.Tasks[name]

		for index, transition := range task.Next {
			for _, target := range transition.Do {
				node, ok := graph.Nodes[target]
				if !ok {
					return nil, &SpecInvalidError{Reason: fmt.Sprintf("task %q transitions to undefined task %q", name, target)}
				}

				graph.Edges = append(graph.Edges, &Edge{
					ID:     TransitionID(target, index),
					Source: name,
					Target: target,
					Index:  index,
				})

				if target != name && !containsString(node.Inbound, name) {
					node.Inbound = append(node.Inbound, name)
				}
			}
		}
	}

	for _, name := range names {
		node := graph.Nodes[name]

		join, err := workflow.Tasks[name].JoinCount(len(node.Inbound))
		if err != nil {
			return nil, &SpecInvalidError{Reason: err.Error()}
		}

		if join > len(node.Inbound) {
			return nil, &SpecInvalidError{Reason: fmt.Sprintf("task %q joins %d tasks but only %d transition into it", name, join, len(node.Inbound))}
		}

		node.Join = join

		if len(node.Inbound) == 0 {
			graph.Roots = append(graph.Roots, name)
		}
	}

	if len(graph.Roots) == 0 {
		return nil, &SpecInvalidError{Reason: "workflow has no task to start from"}
	}

	return graph, nil
}

// Outbound returns the edges leaving a task in declaration order.
func (g *Graph) Outbound(taskID string) []*Edge {
	var edges []*Edge

	for _, edge := range g.Edges {
		if edge.Source == taskID {
			edges = append(edges, edge)
		}
	}

	return edges
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}

	return false
}
