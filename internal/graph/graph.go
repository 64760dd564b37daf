// Package graph holds the resolver's working graph: an arena of nodes
// (PkgInfo plus an optional install candidate), indexed by integer rather
// than linked by pointer, per the design note "Tree of reference-counted
// nodes" (spec.md §9, §3 GraphNode).
package graph

import (
	"fmt"

	"github.com/limba-pkg/limba/internal/archive"
	"github.com/limba-pkg/limba/internal/pkginfo"
)

// Stage tracks a node's progress through installation (spec.md §3
// GraphNode, §4.3).
type Stage int

const (
	StagePending Stage = iota
	StageDownloading
	StageExtracting
	StageInstalling
	StageInstalled
)

func (s Stage) String() string {
	switch s {
	case StageDownloading:
		return "downloading"
	case StageExtracting:
		return "extracting"
	case StageInstalling:
		return "installing"
	case StageInstalled:
		return "installed"
	default:
		return "pending"
	}
}

type candidateKind int

const (
	candidateNone    candidateKind = iota // already-installed or foundation
	candidateArchive                      // install_candidate carries a PackageArchive
)

// node is one arena entry. parent is -1 for the root.
type node struct {
	info     pkginfo.PkgInfo
	parent   int
	children []int
	kind     candidateKind
	archive  *archive.PackageArchive
	isOrigin bool
	stage    Stage
}

// Graph is the arena holding every node discovered during resolution of
// one installation transaction.
type Graph struct {
	nodes             []node
	foundations       []pkginfo.PkgInfo
	ignoreFoundations bool
	onStageChanged    func(Stage, string)
	onProgress        func(int, string)
}

// New creates an empty Graph seeded with the given foundation catalog
// (spec.md §4.2 step 1).
func New(foundations []pkginfo.PkgInfo) *Graph {
	return &Graph{foundations: foundations}
}

// SetIgnoreFoundations toggles the "ignore foundations" mode (§4.2 step 1):
// an unsatisfied foundation dependency is accepted with a warning instead
// of failing resolution.
func (g *Graph) SetIgnoreFoundations(ignore bool) {
	g.ignoreFoundations = ignore
}

// IgnoreFoundations reports the current mode.
func (g *Graph) IgnoreFoundations() bool {
	return g.ignoreFoundations
}

// SetCallbacks installs the stage-changed and progress callbacks used
// during installation (spec.md §5 event model).
func (g *Graph) SetCallbacks(onStageChanged func(Stage, string), onProgress func(int, string)) {
	g.onStageChanged = onStageChanged
	g.onProgress = onProgress
}

// Reset discards every node, returning the graph to its freshly
// constructed state (used after a failed transaction, §4.3 "Failure
// policy": only the in-memory graph is reset, installed files remain).
func (g *Graph) Reset() {
	g.nodes = nil
}

// AddRoot seeds the graph with the user-requested root package. It always
// becomes index 0.
func (g *Graph) AddRoot(info pkginfo.PkgInfo, arc *archive.PackageArchive) int {
	g.nodes = append(g.nodes, node{
		info:     info,
		parent:   -1,
		kind:     candidateArchive,
		archive:  arc,
		isOrigin: true,
	})
	return 0
}

// AddInstallTodo adds a node carrying an install candidate archive as a
// child of parent. If a node with the same PkgInfo.ID already exists
// among install candidates, that node's index is returned instead of
// appending a duplicate (§3 GraphNode invariant: an identical id is not
// added twice as an install candidate).
func (g *Graph) AddInstallTodo(parent int, info pkginfo.PkgInfo, arc *archive.PackageArchive) int {
	if info.ID != "" {
		for i := range g.nodes {
			if g.nodes[i].kind == candidateArchive && g.nodes[i].info.ID == info.ID {
				g.linkChild(parent, i)
				return i
			}
		}
	}

	idx := len(g.nodes)
	g.nodes = append(g.nodes, node{
		info:    info,
		parent:  parent,
		kind:    candidateArchive,
		archive: arc,
	})
	g.linkChild(parent, idx)
	return idx
}

// AddSatisfied adds a non-candidate node (already installed, or a
// foundation) as a child of parent, recursing later for runtime
// composition purposes per §4.2 step 3.
func (g *Graph) AddSatisfied(parent int, info pkginfo.PkgInfo) int {
	idx := len(g.nodes)
	g.nodes = append(g.nodes, node{
		info:   info,
		parent: parent,
		kind:   candidateNone,
	})
	g.linkChild(parent, idx)
	return idx
}

func (g *Graph) linkChild(parent, child int) {
	if parent < 0 || parent >= len(g.nodes) {
		return
	}
	for _, c := range g.nodes[parent].children {
		if c == child {
			return
		}
	}
	g.nodes[parent].children = append(g.nodes[parent].children, child)
}

// Info returns the PkgInfo at idx.
func (g *Graph) Info(idx int) pkginfo.PkgInfo {
	return g.nodes[idx].info
}

// SetInfo replaces the PkgInfo at idx (used after install sets
// RuntimeUUID/flags).
func (g *Graph) SetInfo(idx int, info pkginfo.PkgInfo) {
	g.nodes[idx].info = info
}

// Parent returns idx's parent index, or -1 for the root.
func (g *Graph) Parent(idx int) int {
	return g.nodes[idx].parent
}

// IsOrigin reports whether idx is the resolver's seed (the user-requested
// root).
func (g *Graph) IsOrigin(idx int) bool {
	return g.nodes[idx].isOrigin
}

// InstallCandidate returns the PackageArchive at idx, or nil if idx has
// no install candidate (already installed, or a foundation).
func (g *Graph) InstallCandidate(idx int) *archive.PackageArchive {
	return g.nodes[idx].archive
}

// Stage returns idx's current installation stage.
func (g *Graph) Stage(idx int) Stage {
	return g.nodes[idx].stage
}

// SetStage transitions idx to stage and fires the stage-changed callback,
// in the order calls occur (§5 ordering guarantees).
func (g *Graph) SetStage(idx int, stage Stage) {
	g.nodes[idx].stage = stage
	if g.onStageChanged != nil {
		g.onStageChanged(stage, g.nodes[idx].info.ID)
	}
}

// Progress fires the progress callback for idx's package id.
func (g *Graph) Progress(pct int, idx int) {
	if g.onProgress != nil {
		g.onProgress(pct, g.nodes[idx].info.ID)
	}
}

// NodeCount returns the number of nodes currently in the graph.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// TestFoundation implements §4.2 step 1: if dep satisfies a known
// foundation entry, it is satisfied. Returns false and an error when no
// foundation of that name is known (the caller decides whether that is
// fatal based on ignoreFoundations).
func (g *Graph) TestFoundation(dep pkginfo.DependencyReq) (bool, error) {
	name := dep.Name
	const prefix = "foundation:"
	if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
		name = name[len(prefix):]
	}

	for _, f := range g.foundations {
		if f.Name != name {
			continue
		}
		req := dep
		req.Name = name
		return f.Satisfies(req), nil
	}
	return false, fmt.Errorf("graph: no foundation named %q is known", name)
}

// BranchToArray returns idx's ancestor chain from the root down to idx
// (includeSelf true) or stopping just short of it (includeSelf false).
// Used by the embedded-in-ancestor resolution step (§4.2 step 5).
func (g *Graph) BranchToArray(idx int, includeSelf bool) []int {
	var chain []int
	cur := idx
	if !includeSelf {
		cur = g.nodes[idx].parent
	}
	for cur != -1 {
		chain = append([]int{cur}, chain...)
		cur = g.nodes[cur].parent
	}
	return chain
}

// PostOrder returns every node index carrying an install candidate, in
// post-order: every dependency before its dependents (testable property
// 4). Acyclicity (testable property 3) follows from construction (see
// AddInstallTodo/AddSatisfied), so a simple depth-first walk with a
// visited set suffices; it is kept anyway as a defensive measure against
// a future construction bug.
func (g *Graph) PostOrder() []int {
	var order []int
	visited := make([]bool, len(g.nodes))

	var visit func(idx int)
	visit = func(idx int) {
		if visited[idx] {
			return
		}
		visited[idx] = true
		for _, c := range g.nodes[idx].children {
			visit(c)
		}
		if g.nodes[idx].kind == candidateArchive {
			order = append(order, idx)
		}
	}

	if len(g.nodes) > 0 {
		visit(0)
	}
	return order
}

// NonRootMemberIDs returns the ids of every node other than the root
// (index 0), used to build the runtime member set S in §4.3.
func (g *Graph) NonRootMemberIDs() []string {
	var ids []string
	seen := map[string]struct{}{}
	for i := 1; i < len(g.nodes); i++ {
		id := g.nodes[i].info.ID
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
