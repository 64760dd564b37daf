package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limba-pkg/limba/internal/pkginfo"
)

func TestAddRoot_IsIndexZero(t *testing.T) {
	g := New(nil)
	root := pkginfo.NewPkgInfo("hello", "1.0")
	idx := g.AddRoot(root, nil)
	assert.Equal(t, 0, idx)
	assert.True(t, g.IsOrigin(0))
	assert.Equal(t, -1, g.Parent(0))
}

func TestAddInstallTodo_DedupesByID(t *testing.T) {
	g := New(nil)
	root := g.AddRoot(pkginfo.NewPkgInfo("hello", "1.0"), nil)

	dep := pkginfo.NewPkgInfo("libgreet", "1.0")
	first := g.AddInstallTodo(root, dep, nil)
	second := g.AddInstallTodo(root, dep, nil)

	assert.Equal(t, first, second, "identical PkgInfo id must not be added twice")
	assert.Equal(t, 2, g.NodeCount())
}

func TestAddInstallTodo_DedupeStillLinksSecondParent(t *testing.T) {
	g := New(nil)
	root := g.AddRoot(pkginfo.NewPkgInfo("hello", "1.0"), nil)
	mid := g.AddInstallTodo(root, pkginfo.NewPkgInfo("mid", "1.0"), nil)

	dep := pkginfo.NewPkgInfo("libshared", "1.0")
	first := g.AddInstallTodo(root, dep, nil)
	second := g.AddInstallTodo(mid, dep, nil)
	require.Equal(t, first, second)

	order := g.PostOrder()
	assert.Contains(t, order, first)
}

func TestPostOrder_DependenciesBeforeDependents(t *testing.T) {
	g := New(nil)
	root := g.AddRoot(pkginfo.NewPkgInfo("hello", "1.0"), nil)
	libA := g.AddInstallTodo(root, pkginfo.NewPkgInfo("liba", "1.0"), nil)
	g.AddInstallTodo(libA, pkginfo.NewPkgInfo("libb", "1.0"), nil)

	order := g.PostOrder()
	require.Len(t, order, 3)

	pos := map[int]int{}
	for i, idx := range order {
		pos[idx] = i
	}
	assert.Less(t, pos[libA], pos[root], "liba must install before hello")
}

func TestPostOrder_ExcludesNonCandidateNodes(t *testing.T) {
	g := New(nil)
	root := g.AddRoot(pkginfo.NewPkgInfo("hello", "1.0"), nil)
	g.AddSatisfied(root, pkginfo.NewPkgInfo("libc", "2.0"))

	order := g.PostOrder()
	assert.Equal(t, []int{root}, order)
}

func TestNonRootMemberIDs_DedupedExcludesRoot(t *testing.T) {
	g := New(nil)
	root := g.AddRoot(pkginfo.NewPkgInfo("hello", "1.0"), nil)
	libA := g.AddInstallTodo(root, pkginfo.NewPkgInfo("liba", "1.0"), nil)
	g.AddInstallTodo(libA, pkginfo.NewPkgInfo("libb", "1.0"), nil)
	g.AddSatisfied(root, pkginfo.NewPkgInfo("libb", "1.0"))

	ids := g.NonRootMemberIDs()
	assert.ElementsMatch(t, []string{"liba/1.0", "libb/1.0"}, ids)
}

func TestTestFoundation_StripsPrefixAndMatches(t *testing.T) {
	foundations := []pkginfo.PkgInfo{pkginfo.NewPkgInfo("glibc", "2.35")}
	g := New(foundations)

	ok, err := g.TestFoundation(pkginfo.DependencyReq{Name: "foundation:glibc"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTestFoundation_UnknownNameErrors(t *testing.T) {
	g := New(nil)
	_, err := g.TestFoundation(pkginfo.DependencyReq{Name: "foundation:nonesuch"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonesuch")
}

func TestTestFoundation_VersionMismatchUnsatisfied(t *testing.T) {
	foundations := []pkginfo.PkgInfo{pkginfo.NewPkgInfo("glibc", "2.35")}
	g := New(foundations)

	ok, err := g.TestFoundation(pkginfo.DependencyReq{
		Name:            "foundation:glibc",
		Version:         "2.40",
		VersionRelation: pkginfo.RelationHigher,
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIgnoreFoundationsToggle(t *testing.T) {
	g := New(nil)
	assert.False(t, g.IgnoreFoundations())
	g.SetIgnoreFoundations(true)
	assert.True(t, g.IgnoreFoundations())
}

func TestSetStage_FiresCallbackInOrder(t *testing.T) {
	g := New(nil)
	root := g.AddRoot(pkginfo.NewPkgInfo("hello", "1.0"), nil)

	var stages []Stage
	g.SetCallbacks(func(s Stage, id string) {
		stages = append(stages, s)
		assert.Equal(t, "hello/1.0", id)
	}, nil)

	g.SetStage(root, StageDownloading)
	g.SetStage(root, StageExtracting)
	g.SetStage(root, StageInstalled)

	assert.Equal(t, []Stage{StageDownloading, StageExtracting, StageInstalled}, stages)
}

func TestProgress_FiresCallbackWithPackageID(t *testing.T) {
	g := New(nil)
	root := g.AddRoot(pkginfo.NewPkgInfo("hello", "1.0"), nil)

	var gotPct int
	var gotID string
	g.SetCallbacks(nil, func(pct int, id string) {
		gotPct = pct
		gotID = id
	})

	g.Progress(42, root)
	assert.Equal(t, 42, gotPct)
	assert.Equal(t, "hello/1.0", gotID)
}

func TestReset_ClearsNodes(t *testing.T) {
	g := New(nil)
	g.AddRoot(pkginfo.NewPkgInfo("hello", "1.0"), nil)
	require.Equal(t, 1, g.NodeCount())

	g.Reset()
	assert.Equal(t, 0, g.NodeCount())
}

func TestBranchToArray(t *testing.T) {
	g := New(nil)
	root := g.AddRoot(pkginfo.NewPkgInfo("hello", "1.0"), nil)
	mid := g.AddInstallTodo(root, pkginfo.NewPkgInfo("mid", "1.0"), nil)
	leaf := g.AddInstallTodo(mid, pkginfo.NewPkgInfo("leaf", "1.0"), nil)

	assert.Equal(t, []int{root, mid, leaf}, g.BranchToArray(leaf, true))
	assert.Equal(t, []int{root, mid}, g.BranchToArray(leaf, false))
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "pending", StagePending.String())
	assert.Equal(t, "downloading", StageDownloading.String())
	assert.Equal(t, "extracting", StageExtracting.String())
	assert.Equal(t, "installing", StageInstalling.String())
	assert.Equal(t, "installed", StageInstalled.String())
}
