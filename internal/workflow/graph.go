// Package workflow builds the node graphs submitted to the generation
// service.
package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Ref points at output Output of node NodeID. It is encoded as the
// two-element array ["id", n] the generation service expects.
type Ref struct {
	NodeID string
	Output int
}

func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.NodeID, r.Output})
}

func (r *Ref) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("workflow: reference must have two elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &r.NodeID); err != nil {
		return fmt.Errorf("workflow: reference node id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &r.Output); err != nil {
		return fmt.Errorf("workflow: reference output index: %w", err)
	}
	return nil
}

// Node is one typed step of the graph. Input values are strings, numbers,
// booleans or Refs.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      *NodeMeta      `json:"_meta,omitempty"`
}

type NodeMeta struct {
	Title string `json:"title"`
}

// Graph maps node ids to nodes.
type Graph map[string]Node

// Refs returns the references held by a node's inputs, sorted by input name.
func (g Graph) Refs(id string) []Ref {
	node, ok := g[id]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(node.Inputs))
	for name := range node.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	var refs []Ref
	for _, name := range names {
		if ref, ok := node.Inputs[name].(Ref); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

// Input returns the reference held by the named input, if any.
func (g Graph) Input(id, name string) (Ref, bool) {
	node, ok := g[id]
	if !ok {
		return Ref{}, false
	}
	ref, ok := node.Inputs[name].(Ref)
	return ref, ok
}

// Seed returns the sampler seed of a built graph.
func (g Graph) Seed() (int64, bool) {
	node, ok := g[NodeSampler]
	if !ok {
		return 0, false
	}
	seed, ok := node.Inputs["seed"].(int64)
	return seed, ok
}

// NodesOfType lists node ids with the given class type, sorted.
func (g Graph) NodesOfType(classType string) []string {
	var ids []string
	for id, node := range g {
		if node.ClassType == classType {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Validate checks that every reference resolves to a node of the graph and
// that the graph has no cycles.
func (g Graph) Validate() error {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if g[id].ClassType == "" {
			return fmt.Errorf("workflow: node %s has no class type", id)
		}
		for _, ref := range g.Refs(id) {
			if _, ok := g[ref.NodeID]; !ok {
				return fmt.Errorf("workflow: node %s references missing node %s", id, ref.NodeID)
			}
			if ref.NodeID == id {
				return fmt.Errorf("workflow: node %s references itself", id)
			}
			if ref.Output < 0 {
				return fmt.Errorf("workflow: node %s references negative output of %s", id, ref.NodeID)
			}
		}
	}

	// permanent: fully visited; temporary: on the current DFS path.
	permanent := make(map[string]bool, len(g))
	temporary := make(map[string]bool)
	var visit func(id string) error
	visit = func(id string) error {
		if permanent[id] {
			return nil
		}
		if temporary[id] {
			return fmt.Errorf("workflow: cycle detected involving node %s", id)
		}
		temporary[id] = true
		for _, ref := range g.Refs(id) {
			if err := visit(ref.NodeID); err != nil {
				return err
			}
		}
		delete(temporary, id)
		permanent[id] = true
		return nil
	}
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the graph.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for id, node := range g {
		inputs := make(map[string]any, len(node.Inputs))
		for k, v := range node.Inputs {
			inputs[k] = v
		}
		cp := Node{ClassType: node.ClassType, Inputs: inputs}
		if node.Meta != nil {
			meta := *node.Meta
			cp.Meta = &meta
		}
		out[id] = cp
	}
	return out
}
