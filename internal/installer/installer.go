// Package installer drives dependency resolution (spec.md §4.2) and
// installation execution (§4.3) of one transaction: opening a root
// package (locally or from a repository), recursively resolving its
// dependency graph, and walking the result in post-order to extract,
// verify and register every member, finally synthesizing or reusing a
// runtime for the root if it is an application.
//
// Grounded on original_source/src/li-installer.c for control flow
// (li_installer_check_dependencies, li_installer_install_node) and on
// internal/install/manager.go / internal/registry/errors.go for the Go
// idiom this repository uses throughout: functional-option constructor,
// structured tagged-union errors, an injected log.Logger rather than a
// package global.
package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/limba-pkg/limba/internal/archive"
	"github.com/limba-pkg/limba/internal/cache"
	"github.com/limba-pkg/limba/internal/configblocks"
	"github.com/limba-pkg/limba/internal/exporter"
	"github.com/limba-pkg/limba/internal/graph"
	"github.com/limba-pkg/limba/internal/keyring"
	"github.com/limba-pkg/limba/internal/log"
	"github.com/limba-pkg/limba/internal/manager"
	"github.com/limba-pkg/limba/internal/pkginfo"
	"github.com/limba-pkg/limba/internal/runtime"
)

// Installer drives one installation transaction end to end.
type Installer struct {
	softwareRoot      string
	mgr               *manager.Manager
	cache             *cache.Cache
	keyring           *keyring.Keyring
	graph             *graph.Graph
	extra             []extraEntry
	ignoreFoundations bool
	allowInsecure     bool
	logger            log.Logger
	onStageChanged    func(graph.Stage, string)
	onProgress        func(pct int, id string)

	allPkgs map[string]pkginfo.PkgInfo // memoized union of installed ∪ available, built once per Install call
}

type extraEntry struct {
	info pkginfo.PkgInfo
	arc  *archive.PackageArchive
}

// Option configures an Installer at construction time.
type Option func(*Installer)

// WithLogger injects a structured logger; defaults to log.NewNoop().
func WithLogger(l log.Logger) Option {
	return func(ins *Installer) { ins.logger = l }
}

// WithKeyring supplies the Keyring used for archive signature
// verification.
func WithKeyring(kr *keyring.Keyring) Option {
	return func(ins *Installer) { ins.keyring = kr }
}

// WithExtraPackages opens each path as a local .lpk and registers it as a
// caller-supplied dependency source (§4.2 source 2); `limba install
// --extra` reaches it through the daemon and installerclient.
func WithExtraPackages(files []string) Option {
	return func(ins *Installer) {
		for _, path := range files {
			arc, err := archive.OpenFile(path)
			if err != nil {
				continue
			}
			ins.extra = append(ins.extra, extraEntry{info: arc.Info, arc: arc})
		}
	}
}

// WithIgnoreFoundations sets §4.2 step 1's "ignore foundations" mode: an
// unsatisfied foundation dependency is accepted with a logged warning
// instead of failing resolution.
func WithIgnoreFoundations(ignore bool) Option {
	return func(ins *Installer) { ins.ignoreFoundations = ignore }
}

// WithAllowInsecure disables signature verification during install
// (§4.3), matching config.Config.AllowInsecure for development use.
func WithAllowInsecure(insecure bool) Option {
	return func(ins *Installer) { ins.allowInsecure = insecure }
}

// WithStageCallback installs the stage-changed callback fired as each
// graph node advances (§5 event model).
func WithStageCallback(f func(graph.Stage, string)) Option {
	return func(ins *Installer) { ins.onStageChanged = f }
}

// WithProgressCallback installs the download-progress callback.
func WithProgressCallback(f func(pct int, id string)) Option {
	return func(ins *Installer) { ins.onProgress = f }
}

// New creates an Installer rooted at softwareRoot, using mgr to consult
// the installed-package set, c to consult and fetch from repositories,
// and foundations as the static host-provided-library catalog.
func New(softwareRoot string, mgr *manager.Manager, c *cache.Cache, foundations []pkginfo.PkgInfo, opts ...Option) *Installer {
	ins := &Installer{
		softwareRoot: softwareRoot,
		mgr:          mgr,
		cache:        c,
		logger:       log.NewNoop(),
	}
	for _, opt := range opts {
		opt(ins)
	}
	ins.graph = graph.New(foundations)
	ins.graph.SetIgnoreFoundations(ins.ignoreFoundations)
	ins.graph.SetCallbacks(ins.onStageChanged, ins.onProgress)
	return ins
}

// OpenFile opens path as the transaction's root package.
func (ins *Installer) OpenFile(path string) error {
	arc, err := archive.OpenFile(path)
	if err != nil {
		return &Error{Kind: ErrFailed, Err: err}
	}
	arc.Info.AddFlag(pkginfo.FlagApplication)
	ins.graph.AddRoot(arc.Info, arc)
	return nil
}

// OpenRemote fetches pkgID from the configured repository cache and opens
// it as the transaction's root package.
func (ins *Installer) OpenRemote(ctx context.Context, pkgID string) error {
	arc, err := archive.OpenRemote(ctx, ins.cache, pkgID)
	if err != nil {
		return &Error{Kind: ErrFailed, Err: err}
	}
	arc.Info.AddFlag(pkginfo.FlagApplication)
	ins.graph.AddRoot(arc.Info, arc)
	return nil
}

// Install resolves the root's full dependency graph (§4.2) and installs
// every candidate member in post-order (§4.3). On any failure the graph
// is reset but packages already written to disk are left in place (§9
// Open Question (c), kept as specified).
func (ins *Installer) Install(ctx context.Context) error {
	if ins.graph.NodeCount() == 0 {
		return &Error{Kind: ErrInternal, Err: fmt.Errorf("installer: no root package opened")}
	}

	if err := ins.buildAllPkgs(); err != nil {
		ins.graph.Reset()
		return err
	}

	if err := ins.checkDependencies(ctx, 0); err != nil {
		ins.graph.Reset()
		return err
	}

	if err := ins.executeInstall(); err != nil {
		ins.graph.Reset()
		return err
	}

	ins.mgr.Invalidate()
	return nil
}

// buildAllPkgs memoizes the union of Manager's installed set and the
// Cache's available index, mirroring the teacher's priv->all_pkgs
// memoization for the lifetime of one Install call.
func (ins *Installer) buildAllPkgs() error {
	ins.allPkgs = map[string]pkginfo.PkgInfo{}

	installed, err := ins.mgr.InstalledPackages()
	if err != nil {
		return &Error{Kind: ErrInternal, Err: err}
	}
	for _, pki := range installed {
		ins.allPkgs[pki.ID] = pki
	}

	if ins.cache != nil {
		for _, pki := range ins.cache.Available() {
			if _, already := ins.allPkgs[pki.ID]; !already {
				ins.allPkgs[pki.ID] = pki
			}
		}
	}
	return nil
}

// checkDependencies implements §4.2: for each DependencyReq of the node
// at idx, try each source in fixed order, first hit wins.
func (ins *Installer) checkDependencies(ctx context.Context, idx int) error {
	pki := ins.graph.Info(idx)

	for _, dep := range pkginfo.ParseDependencies(pki.Dependencies) {
		if err := ins.resolveOne(ctx, idx, dep); err != nil {
			return err
		}
	}
	return nil
}

func (ins *Installer) resolveOne(ctx context.Context, idx int, dep pkginfo.DependencyReq) error {
	// Source 1: foundation.
	if isFoundationRequirement(dep.Name) {
		ok, err := ins.graph.TestFoundation(dep)
		if ok {
			return nil
		}
		if ins.graph.IgnoreFoundations() {
			log.ForPkg(ins.logger, ins.graph.Info(idx).ID).Warn("accepting unsatisfied foundation dependency", "dep", dep.Name, "err", err)
			return nil
		}
		return &Error{Kind: ErrDependencyNotFound, Dep: dep.Name, Err: err}
	}

	// Source 2: caller-supplied extra packages.
	for _, e := range ins.extra {
		if e.info.Satisfies(dep) {
			childIdx := ins.graph.AddInstallTodo(idx, e.info, e.arc)
			return ins.checkDependencies(ctx, childIdx)
		}
	}

	// Source 3: installed-or-available union.
	if pki, ok := ins.findInAllPkgs(dep); ok {
		if pki.HasFlag(pkginfo.FlagInstalled) {
			childIdx := ins.graph.AddSatisfied(idx, pki)
			return ins.checkDependencies(ctx, childIdx)
		}
		arc, err := archive.OpenRemote(ctx, ins.cache, pki.ID)
		if err != nil {
			return &Error{Kind: ErrDependencyBroken, Dep: dep.Name, Err: err}
		}
		childIdx := ins.graph.AddInstallTodo(idx, arc.Info, arc)
		return ins.checkDependencies(ctx, childIdx)
	}

	// Source 4: embedded in the current node's own archive.
	if arc := ins.graph.InstallCandidate(idx); arc != nil {
		if childInfo, childArc, ok, err := ins.tryEmbedded(arc, dep); err != nil {
			return &Error{Kind: ErrFailed, Dep: dep.Name, Err: err}
		} else if ok {
			childIdx := ins.graph.AddInstallTodo(idx, childInfo, childArc)
			return ins.checkDependencies(ctx, childIdx)
		}
	}

	// Source 5: embedded in an ancestor, nearest first.
	chain := ins.graph.BranchToArray(idx, false)
	for i := len(chain) - 1; i >= 0; i-- {
		anc := chain[i]
		arc := ins.graph.InstallCandidate(anc)
		if arc == nil {
			continue
		}
		childInfo, childArc, ok, err := ins.tryEmbedded(arc, dep)
		if err != nil {
			return &Error{Kind: ErrFailed, Dep: dep.Name, Err: err}
		}
		if ok {
			childIdx := ins.graph.AddInstallTodo(idx, childInfo, childArc)
			return ins.checkDependencies(ctx, childIdx)
		}
	}

	return &Error{Kind: ErrDependencyNotFound, Dep: dep.Name}
}

func isFoundationRequirement(name string) bool {
	const prefix = "foundation:"
	return len(name) >= len(prefix) && name[:len(prefix)] == prefix
}

// findInAllPkgs looks up dep by name (and, if a relation was declared,
// version) in the memoized installed-or-available union, preferring an
// installed match over an available one so that an already-installed
// package is chosen over a remote candidate of the same name.
func (ins *Installer) findInAllPkgs(dep pkginfo.DependencyReq) (pkginfo.PkgInfo, bool) {
	var bestAvailable pkginfo.PkgInfo
	haveAvailable := false

	for _, pki := range ins.allPkgs {
		if !pki.Satisfies(dep) {
			continue
		}
		if pki.HasFlag(pkginfo.FlagInstalled) {
			return pki, true
		}
		if !haveAvailable {
			bestAvailable = pki
			haveAvailable = true
		}
	}
	return bestAvailable, haveAvailable
}

// tryEmbedded extracts the first embedded sub-package of arc that
// satisfies dep into a fresh temp directory under the owning node's
// working area, and opens it.
func (ins *Installer) tryEmbedded(arc *archive.PackageArchive, dep pkginfo.DependencyReq) (pkginfo.PkgInfo, *archive.PackageArchive, bool, error) {
	embedded, err := arc.Embedded()
	if err != nil {
		return pkginfo.PkgInfo{}, nil, false, err
	}

	for _, e := range embedded {
		if !e.Satisfies(dep) {
			continue
		}
		destDir, err := os.MkdirTemp("", "limba-embedded-*")
		if err != nil {
			return pkginfo.PkgInfo{}, nil, false, err
		}
		child, err := arc.ExtractEmbedded(e, destDir)
		if err != nil {
			os.RemoveAll(destDir)
			return pkginfo.PkgInfo{}, nil, false, err
		}
		return child.Info, child, true, nil
	}
	return pkginfo.PkgInfo{}, nil, false, nil
}

// executeInstall implements §4.3: walk the graph in post-order, install
// every candidate node, then synthesize or reuse a runtime for the root.
func (ins *Installer) executeInstall() error {
	order := ins.graph.PostOrder()

	for _, idx := range order {
		if err := ins.installNode(idx); err != nil {
			return err
		}
	}

	return ins.synthesizeRuntime()
}

func (ins *Installer) installNode(idx int) error {
	pki := ins.graph.Info(idx)
	arc := ins.graph.InstallCandidate(idx)
	if arc == nil {
		return &Error{Kind: ErrInternal, Err: fmt.Errorf("installer: post-order node %d has no install candidate", idx)}
	}

	if !ins.graph.IsOrigin(idx) {
		pki.AddFlag(pkginfo.FlagAutomatic)
	}

	if !ins.allowInsecure {
		level, err := arc.VerifySignature(ins.keyring)
		if err != nil || level < keyring.TrustMedium {
			return &Error{Kind: ErrFailed, Dep: pki.ID, Err: fmt.Errorf("signature verification failed: %w", err)}
		}
	}

	pkgDir := filepath.Join(ins.softwareRoot, pki.Name, pki.Version)
	dataDir := filepath.Join(pkgDir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return &Error{Kind: ErrFailed, Dep: pki.ID, Err: err}
	}

	ins.graph.SetStage(idx, graph.StageExtracting)
	if err := arc.ExtractPayload(dataDir); err != nil {
		return &Error{Kind: ErrFailed, Dep: pki.ID, Err: err}
	}

	ins.graph.SetStage(idx, graph.StageInstalling)
	if err := writeControl(pkgDir, pki); err != nil {
		return &Error{Kind: ErrFailed, Dep: pki.ID, Err: err}
	}

	exportedPath := filepath.Join(pkgDir, "exported")
	if err := exporter.Export(pki, dataDir, exportedPath); err != nil {
		return &Error{Kind: ErrFailed, Dep: pki.ID, Err: err}
	}

	ins.graph.SetInfo(idx, pki)
	ins.graph.SetStage(idx, graph.StageInstalled)
	return nil
}

func writeControl(pkgDir string, pki pkginfo.PkgInfo) error {
	var w configblocks.Writer
	b := w.NewBlock()
	enc := pkginfo.Encode(pki)
	for k, v := range enc {
		(*b)[k] = v
	}
	return os.WriteFile(filepath.Join(pkgDir, "control"), w.Bytes(), 0o644)
}

// synthesizeRuntime implements §4.3's closing paragraph: if the root is
// an application with at least one non-root member, find or create a
// runtime covering every non-root member and record its uuid on the
// root's control file; otherwise the root's runtime is the sentinel
// "None".
func (ins *Installer) synthesizeRuntime() error {
	root := ins.graph.Info(0)
	members := ins.graph.NonRootMemberIDs()

	if !root.HasFlag(pkginfo.FlagApplication) || len(members) == 0 {
		root.SetRuntimeUUID("None")
		return ins.saveRootControl(root)
	}

	rt, err := ins.mgr.FindRuntimeWithMembers(members)
	if err != nil {
		return &Error{Kind: ErrInternal, Err: err}
	}
	if rt == nil {
		rt, err = runtime.Create(members)
		if err != nil {
			return &Error{Kind: ErrInternal, Err: err}
		}
		if err := rt.Save(ins.softwareRoot); err != nil {
			return &Error{Kind: ErrFailed, Err: err}
		}
	}

	root.SetRuntimeUUID(rt.UUID)
	return ins.saveRootControl(root)
}

func (ins *Installer) saveRootControl(root pkginfo.PkgInfo) error {
	pkgDir := filepath.Join(ins.softwareRoot, root.Name, root.Version)
	if err := writeControl(pkgDir, root); err != nil {
		return &Error{Kind: ErrFailed, Err: err}
	}
	ins.graph.SetInfo(0, root)
	return nil
}
