// Package manager enumerates installed packages and installed runtimes by
// scanning the on-disk software root, and implements package removal with
// its reverse-dependency check (spec.md §3 C5, §7 Manager errors).
//
// Grounded on internal/install/manager.go's constructor shape, generalized
// from the teacher's "rescan ~/.tsuku on demand" model per design note
// "Runtime discovery as a global scan": an explicit Invalidate() call and a
// lazily populated cache rather than package-level state.
package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/limba-pkg/limba/internal/configblocks"
	"github.com/limba-pkg/limba/internal/pkginfo"
	"github.com/limba-pkg/limba/internal/runtime"
)

// ErrorKind classifies Manager errors (spec.md §7).
type ErrorKind int

const (
	ErrNotFound ErrorKind = iota
	ErrRemoveFailed
	ErrDependency
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNotFound:
		return "package not found"
	case ErrRemoveFailed:
		return "remove failed"
	case ErrDependency:
		return "would break another installed package"
	default:
		return "manager error"
	}
}

// Error is the structured error type returned by Manager methods. Blocking
// is populated for ErrDependency, naming every installed package whose
// runtime still requires the target (S4).
type Error struct {
	Kind     ErrorKind
	PkgID    string
	Blocking []string
	Err      error
}

func (e *Error) Error() string {
	if e.Kind == ErrDependency {
		return fmt.Sprintf("%s: %s is required by %v", e.Kind, e.PkgID, e.Blocking)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.PkgID, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.PkgID)
}

func (e *Error) Unwrap() error { return e.Err }

// Suggestion implements the errmsg suggester interface.
func (e *Error) Suggestion() string {
	switch e.Kind {
	case ErrDependency:
		return fmt.Sprintf("Remove %v first, or leave %q installed", e.Blocking, e.PkgID)
	case ErrNotFound:
		return "Run 'limba list-installed' to see installed package ids"
	default:
		return ""
	}
}

const runtimesDirName = "runtimes"

// Manager enumerates the software root's installed packages and runtimes.
type Manager struct {
	softwareRoot string

	mu        sync.Mutex
	installed []pkginfo.PkgInfo // nil until first scan
	runtimes  []runtime.Runtime
}

// New creates a Manager rooted at softwareRoot. No filesystem access
// happens until the first call that needs it.
func New(softwareRoot string) *Manager {
	return &Manager{softwareRoot: softwareRoot}
}

// Invalidate drops the cached scan so the next call rescans the software
// root. Called by the installer after install/remove.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installed = nil
	m.runtimes = nil
}

// InstalledPackages returns every installed package's PkgInfo, scanning
// the software root once and caching the result until Invalidate is
// called.
func (m *Manager) InstalledPackages() ([]pkginfo.PkgInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.installed != nil {
		return m.installed, nil
	}

	entries, err := os.ReadDir(m.softwareRoot)
	if err != nil {
		if os.IsNotExist(err) {
			m.installed = []pkginfo.PkgInfo{}
			return m.installed, nil
		}
		return nil, fmt.Errorf("manager: scan software root: %w", err)
	}

	var installed []pkginfo.PkgInfo
	for _, nameEntry := range entries {
		if !nameEntry.IsDir() || nameEntry.Name() == runtimesDirName {
			continue
		}
		name := nameEntry.Name()

		versionEntries, err := os.ReadDir(filepath.Join(m.softwareRoot, name))
		if err != nil {
			continue
		}
		for _, versionEntry := range versionEntries {
			if !versionEntry.IsDir() {
				continue
			}
			controlPath := filepath.Join(m.softwareRoot, name, versionEntry.Name(), "control")
			pki, err := readControl(controlPath)
			if err != nil {
				continue
			}
			pki.AddFlag(pkginfo.FlagInstalled)
			installed = append(installed, pki)
		}
	}

	m.installed = installed
	return m.installed, nil
}

// installedRuntimes scans <software_root>/runtimes/*/control, caching the
// result alongside InstalledPackages.
func (m *Manager) installedRuntimes() ([]runtime.Runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runtimes != nil {
		return m.runtimes, nil
	}

	dir := filepath.Join(m.softwareRoot, runtimesDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.runtimes = []runtime.Runtime{}
			return m.runtimes, nil
		}
		return nil, fmt.Errorf("manager: scan runtimes: %w", err)
	}

	var runtimes []runtime.Runtime
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rt, err := runtime.Load(m.softwareRoot, e.Name())
		if err != nil {
			continue
		}
		runtimes = append(runtimes, *rt)
	}

	m.runtimes = runtimes
	return m.runtimes, nil
}

// FindRuntimeWithMembers returns the first installed runtime whose member
// set contains every id in members (subset-or-equal, §9 decision), or nil
// if none matches.
func (m *Manager) FindRuntimeWithMembers(members []string) (*runtime.Runtime, error) {
	runtimes, err := m.installedRuntimes()
	if err != nil {
		return nil, err
	}
	for i := range runtimes {
		if runtimes[i].ContainsAll(members) {
			rt := runtimes[i]
			return &rt, nil
		}
	}
	return nil, nil
}

// Remove deletes the installed package identified by id
// ("<name>/<version>"), after checking that no installed package's
// runtime still requires it (S4). It does not follow automatic-flag
// cascades: removing a package never removes its own dependencies.
func (m *Manager) Remove(id string) error {
	installed, err := m.InstalledPackages()
	if err != nil {
		return err
	}

	var target *pkginfo.PkgInfo
	for i := range installed {
		if installed[i].ID == id {
			target = &installed[i]
			break
		}
	}
	if target == nil {
		return &Error{Kind: ErrNotFound, PkgID: id}
	}

	if blocking, err := m.blockingDependents(id, installed); err != nil {
		return err
	} else if len(blocking) > 0 {
		return &Error{Kind: ErrDependency, PkgID: id, Blocking: blocking}
	}

	dir := filepath.Join(m.softwareRoot, target.Name, target.Version)
	if err := os.RemoveAll(dir); err != nil {
		return &Error{Kind: ErrRemoveFailed, PkgID: id, Err: err}
	}

	m.Invalidate()
	return nil
}

// blockingDependents returns the ids of every installed package whose
// runtime_uuid names a runtime that still requires id, other than id
// itself.
func (m *Manager) blockingDependents(id string, installed []pkginfo.PkgInfo) ([]string, error) {
	var blocking []string
	for _, pki := range installed {
		if pki.ID == id || pki.RuntimeUUID == "" || pki.RuntimeUUID == "None" {
			continue
		}
		rt, err := runtime.Load(m.softwareRoot, pki.RuntimeUUID)
		if err != nil {
			continue
		}
		for _, member := range rt.Members {
			if member == id {
				blocking = append(blocking, pki.ID)
				break
			}
		}
	}
	return blocking, nil
}

func readControl(path string) (pkginfo.PkgInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pkginfo.PkgInfo{}, err
	}
	reader, err := configblocks.Parse(data)
	if err != nil {
		return pkginfo.PkgInfo{}, err
	}
	block, ok := reader.Next()
	if !ok {
		return pkginfo.PkgInfo{}, fmt.Errorf("manager: empty control block at %s", path)
	}
	return pkginfo.Decode(block)
}
