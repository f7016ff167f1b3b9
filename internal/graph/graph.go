// Package graph compiles workflow definitions into an immutable routing
// structure and answers "which node next" queries.
package graph

import (
	"fmt"
	"sort"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
)

// Graph is a validated, read-only view of one definition version. It is
// safe for concurrent use.
type Graph struct {
	def      *domain.WorkflowDefinition
	nodes    map[string]domain.Node
	outgoing map[string][]domain.Edge
	start    string
}

// Compile validates def and builds its routing tables.
func Compile(def *domain.WorkflowDefinition) (*Graph, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}
	return build(def), nil
}

func build(def *domain.WorkflowDefinition) *Graph {
	g := &Graph{
		def:      def,
		nodes:    make(map[string]domain.Node, len(def.Nodes)),
		outgoing: make(map[string][]domain.Edge),
	}
	for _, n := range def.Nodes {
		g.nodes[n.ID] = n
		if n.Type == domain.NodeStart {
			g.start = n.ID
		}
	}
	for _, e := range def.Edges {
		g.outgoing[e.From] = append(g.outgoing[e.From], e)
	}
	for from := range g.outgoing {
		edges := g.outgoing[from]
		// stable: equal sortOrder keeps declaration order
		sort.SliceStable(edges, func(i, j int) bool { return edges[i].SortOrder < edges[j].SortOrder })
	}
	return g
}

// Definition returns the compiled definition.
func (g *Graph) Definition() *domain.WorkflowDefinition { return g.def }

// Start returns the START node id.
func (g *Graph) Start() string { return g.start }

// Node returns the node with the given id.
func (g *Graph) Node(id string) (domain.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Outgoing returns the edges leaving id ordered by sortOrder.
func (g *Graph) Outgoing(id string) []domain.Edge {
	return g.outgoing[id]
}

// Route selects the single next node from fromNodeID. Non-default edges are
// tried in sortOrder and the first matching condition wins; an unguarded
// non-default edge always matches. Then the default edge, then the first
// edge. ok is false when the node has no outgoing edges.
func (g *Graph) Route(fromNodeID string, data map[string]any) (next string, ok bool) {
	edges := g.outgoing[fromNodeID]
	if len(edges) == 0 {
		return "", false
	}
	for _, e := range edges {
		if e.IsDefault {
			continue
		}
		if e.Condition == nil || Evaluate(*e.Condition, data) {
			return e.To, true
		}
	}
	for _, e := range edges {
		if e.IsDefault {
			return e.To, true
		}
	}
	return edges[0].To, true
}

// ForkTargets returns every branch a PARALLEL_FORK spawns: all outgoing edges
// that are unguarded or whose condition holds, in sortOrder.
func (g *Graph) ForkTargets(forkNodeID string, data map[string]any) []string {
	var targets []string
	for _, e := range g.outgoing[forkNodeID] {
		if e.Condition == nil || Evaluate(*e.Condition, data) {
			targets = append(targets, e.To)
		}
	}
	return targets
}

// Route is the free-function form over a definition. It compiles without
// validation so it can answer for partially configured graphs as well.
func Route(def *domain.WorkflowDefinition, fromNodeID string, data map[string]any) (string, bool) {
	return build(def).Route(fromNodeID, data)
}

// Validate checks the structure of a definition.
func Validate(def *domain.WorkflowDefinition) error {
	if def == nil {
		return errors.New(errors.ErrCodeGraphInvalid, "definition is nil")
	}
	if len(def.Nodes) == 0 {
		return errors.New(errors.ErrCodeGraphInvalid, "definition has no nodes")
	}

	nodes := make(map[string]domain.Node, len(def.Nodes))
	starts := 0
	start := ""
	for _, n := range def.Nodes {
		if n.ID == "" {
			return errors.New(errors.ErrCodeGraphInvalid, "node id is required")
		}
		if _, dup := nodes[n.ID]; dup {
			return errors.Newf(errors.ErrCodeGraphInvalid, "node id %q is duplicate", n.ID)
		}
		if !n.Type.Valid() {
			return errors.Newf(errors.ErrCodeGraphInvalid, "node %q has unknown type %q", n.ID, n.Type)
		}
		if n.Type == domain.NodeStart {
			starts++
			start = n.ID
		}
		if n.Type == domain.NodeApproval {
			if err := validateApprover(n); err != nil {
				return err
			}
		}
		nodes[n.ID] = n
	}
	if starts != 1 {
		return errors.Newf(errors.ErrCodeGraphInvalid, "definition must have exactly one START node, found %d", starts)
	}

	defaults := make(map[string]int)
	outCount := make(map[string]int)
	adj := make(map[string][]string)
	for _, e := range def.Edges {
		if _, ok := nodes[e.From]; !ok {
			return errors.Newf(errors.ErrCodeGraphInvalid, "edge references unknown node %q", e.From)
		}
		if _, ok := nodes[e.To]; !ok {
			return errors.Newf(errors.ErrCodeGraphInvalid, "edge references unknown node %q", e.To)
		}
		if nodes[e.From].Type == domain.NodeEnd {
			return errors.Newf(errors.ErrCodeGraphInvalid, "END node %q cannot have outgoing edges", e.From)
		}
		if e.IsDefault {
			defaults[e.From]++
			if defaults[e.From] > 1 {
				return errors.Newf(errors.ErrCodeGraphInvalid, "node %q has more than one default edge", e.From)
			}
		}
		if e.Condition != nil && !e.Condition.Operator.Valid() {
			return errors.Newf(errors.ErrCodeGraphInvalid, "edge %s->%s has unknown operator %q", e.From, e.To, e.Condition.Operator)
		}
		outCount[e.From]++
		adj[e.From] = append(adj[e.From], e.To)
	}

	for id, n := range nodes {
		if n.Type == domain.NodeParallelFork && outCount[id] == 0 {
			return errors.Newf(errors.ErrCodeGraphInvalid, "PARALLEL_FORK %q has no branches", id)
		}
	}

	if !endReachable(start, nodes, adj) {
		return errors.New(errors.ErrCodeGraphInvalid, "no END node reachable from START")
	}
	return nil
}

func validateApprover(n domain.Node) error {
	if n.Approver == nil || n.Approver.Strategy == "" {
		return errors.Newf(errors.ErrCodeGraphInvalid, "approval node %q has no approver strategy", n.ID)
	}
	switch n.QuorumOrDefault() {
	case domain.QuorumAny, domain.QuorumAll, domain.QuorumMajority:
	default:
		return errors.Newf(errors.ErrCodeGraphInvalid, "approval node %q has unknown quorum %q", n.ID, n.Quorum)
	}
	switch n.Approver.Strategy {
	case domain.StrategySpecificEmployee, domain.StrategyPosition, domain.StrategySpecificPosition,
		domain.StrategyRole, domain.StrategyPositionLevel:
		if n.Approver.Param == "" {
			return errors.Newf(errors.ErrCodeGraphInvalid, "approval node %q strategy %s needs a param", n.ID, n.Approver.Strategy)
		}
	case domain.StrategyDirectSupervisor, domain.StrategyDepartmentHead:
	case domain.StrategyOrgRelation:
		switch n.Approver.Relation {
		case domain.RelationDirectSupervisor, domain.RelationDepartmentManager, domain.RelationCompanyHead:
		case domain.RelationNLevelUp:
			if n.Approver.Levels < 1 {
				return errors.Newf(errors.ErrCodeGraphInvalid, "approval node %q N_LEVEL_UP needs levels >= 1", n.ID)
			}
		default:
			return errors.Newf(errors.ErrCodeGraphInvalid, "approval node %q has unknown relation %q", n.ID, n.Approver.Relation)
		}
	default:
		return errors.Newf(errors.ErrCodeGraphInvalid, "approval node %q has unknown strategy %q", n.ID, n.Approver.Strategy)
	}
	return nil
}

func endReachable(start string, nodes map[string]domain.Node, adj map[string][]string) bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if nodes[id].Type == domain.NodeEnd {
			return true
		}
		for _, next := range adj[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// String is used in log lines.
func (g *Graph) String() string {
	return fmt.Sprintf("%s@v%d", g.def.ID, g.def.Version)
}
