// Package graph turns a workflow definition into a validated job DAG.
package graph

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/keel/internal/workflow"
)

// ErrCyclicDependency is matched by every *CyclicDependencyError.
var ErrCyclicDependency = errors.New("cyclic dependency")

// CyclicDependencyError names the jobs that take part in a dependency cycle.
type CyclicDependencyError struct {
	Workflow string
	Jobs     []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency in workflow %q among jobs: %s", e.Workflow, strings.Join(e.Jobs, ", "))
}

func (e *CyclicDependencyError) Is(target error) bool { return target == ErrCyclicDependency }

// Node is one job vertex. Checkout is always resolved to base, head or none.
type Node struct {
	Job      workflow.JobSpec
	Index    int
	Checkout workflow.CheckoutSource
}

// Name returns the job name.
func (n Node) Name() string { return n.Job.Name }

// Edge From -> To means To waits for From.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	// Artifact is set for edges implied by produces/consumes.
	Artifact string `json:"artifact,omitempty"`
}

// Graph is an acyclic job graph. It is immutable after Build.
type Graph struct {
	workflow    string
	nodes       []Node
	index       map[string]int
	preds       map[string][]string
	succs       map[string][]string
	edges       []Edge
	order       []string
	fingerprint string
}

// Build derives the job graph of def. Edges come from explicit needs and
// from consumed artifacts to the job that produces them. Unknown references
// return a *workflow.ConfigError; cycles return a *CyclicDependencyError.
func Build(def *workflow.Definition) (*Graph, error) {
	jobs := def.Jobs()
	g := &Graph{
		workflow: def.Name(),
		nodes:    make([]Node, len(jobs)),
		index:    make(map[string]int, len(jobs)),
		preds:    make(map[string][]string, len(jobs)),
		succs:    make(map[string][]string, len(jobs)),
	}
	for i, job := range jobs {
		g.nodes[i] = Node{Job: job, Index: i, Checkout: resolveCheckout(job)}
		g.index[job.Name] = i
	}

	edges, err := collectEdges(def.Name(), jobs, g.index)
	if err != nil {
		return nil, err
	}
	g.edges = edges
	for _, e := range edges {
		g.succs[e.From] = append(g.succs[e.From], e.To)
		g.preds[e.To] = append(g.preds[e.To], e.From)
	}
	for name := range g.index {
		g.sortByDeclaration(g.succs[name])
		g.sortByDeclaration(g.preds[name])
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order

	fp, err := g.computeFingerprint()
	if err != nil {
		return nil, err
	}
	g.fingerprint = fp
	return g, nil
}

// resolveCheckout fills in the checkout source. License jobs always read
// the proposed change; other jobs default to the base revision.
func resolveCheckout(job workflow.JobSpec) workflow.CheckoutSource {
	if job.KindOrDefault() == workflow.JobKindLicense {
		return workflow.CheckoutHead
	}
	if job.Checkout != workflow.CheckoutUnset {
		return job.Checkout
	}
	return workflow.CheckoutBase
}

func collectEdges(wf string, jobs []workflow.JobSpec, index map[string]int) ([]Edge, error) {
	producers := make(map[string]string)
	for _, job := range jobs {
		for _, step := range job.Steps {
			for _, artifact := range step.Produces {
				if prev, ok := producers[artifact]; ok && prev != job.Name {
					return nil, &workflow.ConfigError{
						Workflow: wf, Job: job.Name, Field: "produces",
						Reason: fmt.Sprintf("artifact %q is already produced by job %q", artifact, prev),
					}
				}
				producers[artifact] = job.Name
			}
		}
	}

	seen := make(map[[2]string]bool)
	var edges []Edge
	add := func(e Edge) {
		k := [2]string{e.From, e.To}
		if seen[k] {
			return
		}
		seen[k] = true
		edges = append(edges, e)
	}

	for _, job := range jobs {
		for _, need := range job.Needs {
			if _, ok := index[need]; !ok {
				return nil, &workflow.ConfigError{
					Workflow: wf, Job: job.Name, Field: "needs",
					Reason: fmt.Sprintf("unknown job %q", need),
				}
			}
			if need == job.Name {
				return nil, &workflow.ConfigError{Workflow: wf, Job: job.Name, Field: "needs", Reason: "job depends on itself"}
			}
			add(Edge{From: need, To: job.Name})
		}
		for _, step := range job.Steps {
			for _, artifact := range step.Consumes {
				producer, ok := producers[artifact]
				if !ok {
					return nil, &workflow.ConfigError{
						Workflow: wf, Job: job.Name, Field: "consumes",
						Reason: fmt.Sprintf("no job produces artifact %q", artifact),
					}
				}
				if producer == job.Name {
					continue
				}
				add(Edge{From: producer, To: job.Name, Artifact: artifact})
			}
		}
	}
	return edges, nil
}

// topoSort runs Kahn's algorithm, always taking the ready job declared first.
func (g *Graph) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for _, n := range g.nodes {
		inDegree[n.Name()] = len(g.preds[n.Name()])
	}

	var ready []string
	for _, n := range g.nodes {
		if inDegree[n.Name()] == 0 {
			ready = append(ready, n.Name())
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, next := range g.succs[n] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				g.sortByDeclaration(ready)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, &CyclicDependencyError{Workflow: g.workflow, Jobs: g.cycleMembers(inDegree)}
	}
	return order, nil
}

// cycleMembers narrows the jobs Kahn's algorithm could not place to those
// on or between cycles by repeatedly discarding jobs with no remaining
// successors.
func (g *Graph) cycleMembers(inDegree map[string]int) []string {
	remaining := make(map[string]bool)
	for name, d := range inDegree {
		if d > 0 {
			remaining[name] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for name := range remaining {
			hasSucc := false
			for _, s := range g.succs[name] {
				if remaining[s] {
					hasSucc = true
					break
				}
			}
			if !hasSucc {
				delete(remaining, name)
				changed = true
			}
		}
	}
	out := make([]string, 0, len(remaining))
	for name := range remaining {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) sortByDeclaration(names []string) {
	sort.SliceStable(names, func(i, j int) bool { return g.index[names[i]] < g.index[names[j]] })
}

func (g *Graph) computeFingerprint() (string, error) {
	type nodeShape struct {
		Name     string           `json:"name"`
		Job      workflow.JobSpec `json:"job"`
		Checkout string           `json:"checkout"`
	}
	type fingerprintShape struct {
		Workflow string      `json:"workflow"`
		Nodes    []nodeShape `json:"nodes"`
		Edges    []Edge      `json:"edges"`
	}

	shape := fingerprintShape{Workflow: g.workflow, Edges: append([]Edge(nil), g.edges...)}
	for _, n := range g.nodes {
		shape.Nodes = append(shape.Nodes, nodeShape{Name: n.Name(), Job: n.Job, Checkout: string(n.Checkout)})
	}
	sort.Slice(shape.Nodes, func(i, j int) bool { return shape.Nodes[i].Name < shape.Nodes[j].Name })
	sort.Slice(shape.Edges, func(i, j int) bool {
		if shape.Edges[i].From == shape.Edges[j].From {
			return shape.Edges[i].To < shape.Edges[j].To
		}
		return shape.Edges[i].From < shape.Edges[j].From
	})

	body, err := json.Marshal(shape)
	if err != nil {
		return "", fmt.Errorf("marshal graph fingerprint input: %w", err)
	}
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}

// Workflow returns the name of the workflow the graph was built from.
func (g *Graph) Workflow() string { return g.workflow }

// Len returns the number of jobs.
func (g *Graph) Len() int { return len(g.nodes) }

// Nodes returns all nodes in declaration order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, len(g.nodes))
	for i, n := range g.nodes {
		n.Job = n.Job.Clone()
		out[i] = n
	}
	return out
}

// Node returns the named node.
func (g *Graph) Node(name string) (Node, bool) {
	i, ok := g.index[name]
	if !ok {
		return Node{}, false
	}
	n := g.nodes[i]
	n.Job = n.Job.Clone()
	return n, true
}

// Roots returns jobs without predecessors in declaration order.
func (g *Graph) Roots() []string {
	var out []string
	for _, n := range g.nodes {
		if len(g.preds[n.Name()]) == 0 {
			out = append(out, n.Name())
		}
	}
	return out
}

// Predecessors returns the jobs name waits for.
func (g *Graph) Predecessors(name string) []string {
	return append([]string(nil), g.preds[name]...)
}

// Successors returns the jobs waiting for name.
func (g *Graph) Successors(name string) []string {
	return append([]string(nil), g.succs[name]...)
}

// Edges returns all edges.
func (g *Graph) Edges() []Edge { return append([]Edge(nil), g.edges...) }

// Order returns a topological order. Among jobs that are ready at the same
// time the one declared first comes first.
func (g *Graph) Order() []string { return append([]string(nil), g.order...) }

// Fingerprint returns blake3:<hex> of the normalized graph.
func (g *Graph) Fingerprint() string { return g.fingerprint }
