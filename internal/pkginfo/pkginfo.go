// Package pkginfo defines the package metadata value type shared by
// every other component: the resolver, the cache, the manager and the
// installer all exchange PkgInfo values rather than parsing control
// blocks themselves.
package pkginfo

// VersionRelation describes how a dependency's version requirement
// relates to a candidate package's version.
type VersionRelation int

const (
	RelationUnknown VersionRelation = iota
	RelationEqual
	RelationLower
	RelationHigher
)

// PackageFlags is a bitset mirroring the original LiPackageFlags.
type PackageFlags uint8

const (
	// FlagApplication marks a package that needs a runtime to run.
	FlagApplication PackageFlags = 1 << iota
	// FlagAutomatic marks a package installed only to satisfy a
	// dependency, not requested directly.
	FlagAutomatic
	// FlagFaded marks a package to be removed automatically once
	// nothing depends on it any longer.
	FlagFaded
	// FlagAvailable marks a package known through a repository index
	// but not installed locally.
	FlagAvailable
	// FlagInstalled marks a package present under the software root.
	FlagInstalled
)

// PkgInfo is the full package-metadata record, control-block-encodable
// via internal/pkginfo/control.go.
type PkgInfo struct {
	ID                string
	Name              string
	Version           string
	Architecture      string
	AppName           string
	Dependencies      string
	BuildDependencies string
	Exports           string // comma-separated relative paths marked for export, §4.3/§11
	RuntimeUUID       string
	ChecksumSHA256    string
	RepoLocation      string
	Repository        string
	Flags             PackageFlags
	VersionRelation   VersionRelation
}

// DependencyReq is a PkgInfo restricted in practice to Name, Version
// and VersionRelation — the fields ParseDependencies populates.
type DependencyReq = PkgInfo

// NewPkgInfo constructs a PkgInfo and derives ID from name and version
// when both are non-empty, matching li_pkg_info_get_id's "name/version"
// convention.
func NewPkgInfo(name, version string) PkgInfo {
	pki := PkgInfo{Name: name, Version: version}
	if name != "" && version != "" {
		pki.ID = name + "/" + version
	}
	return pki
}

// SetRuntimeUUID is the only sanctioned way to set RuntimeUUID; called
// once by the installer after a successful install (§4.3).
func (p *PkgInfo) SetRuntimeUUID(uuid string) {
	p.RuntimeUUID = uuid
}

// HasFlag reports whether all bits in flag are set.
func (p PkgInfo) HasFlag(flag PackageFlags) bool {
	return p.Flags&flag == flag
}

// AddFlag sets the given bits without clearing any other flag.
func (p *PkgInfo) AddFlag(flag PackageFlags) {
	p.Flags |= flag
}

// ClearFlag clears the given bits.
func (p *PkgInfo) ClearFlag(flag PackageFlags) {
	p.Flags &^= flag
}

// SetFlags replaces the flag set wholesale.
func (p *PkgInfo) SetFlags(flags PackageFlags) {
	p.Flags = flags
}

// NameRelationString renders "name (relation version)" the way the
// original CLI printed unsatisfied dependencies, or just "name" when
// no relation is set.
func (p PkgInfo) NameRelationString() string {
	if p.VersionRelation == RelationUnknown || p.Version == "" {
		return p.Name
	}
	return p.Name + " (" + relationSymbol(p.VersionRelation) + " " + p.Version + ")"
}

func relationSymbol(r VersionRelation) string {
	switch r {
	case RelationEqual:
		return "=="
	case RelationLower:
		return "<<"
	case RelationHigher:
		return ">>"
	default:
		return "?"
	}
}

// Satisfies implements spec.md §4.1: name equality, plus version-relation
// agreement via the single canonical CompareVersions comparator when the
// requirement carries one.
func (p PkgInfo) Satisfies(req DependencyReq) bool {
	if p.Name != req.Name {
		return false
	}
	if req.VersionRelation == RelationUnknown || req.Version == "" {
		return true
	}

	cmp := CompareVersions(p.Version, req.Version)
	switch req.VersionRelation {
	case RelationEqual:
		return cmp == 0
	case RelationLower:
		// RelationLower folds both "<<" and "<=" (dependency.go's
		// relationTokens), so the bucket must accept equality too.
		return cmp <= 0
	case RelationHigher:
		// RelationHigher folds both ">>" and ">=" for the same reason.
		return cmp >= 0
	default:
		return true
	}
}
