// Package foundations loads the static catalog of host-provided
// libraries a package's "foundation:" dependencies are checked against
// (spec.md §4.2 step 1: "a static catalog loaded at graph initialization
// describing host-provided libraries and their detected versions").
//
// The catalog is a control-block file, the same format every other
// on-disk record in this repository uses (internal/configblocks), so an
// administrator or distributor edits it with the same mental model as
// sources.list or a package control file: one block per foundation,
// "Name: glibc" / "Version: 2.38" (a "foundation:glibc" dependency is
// matched against it with the prefix stripped).
package foundations

import (
	"fmt"
	"os"

	"github.com/limba-pkg/limba/internal/configblocks"
	"github.com/limba-pkg/limba/internal/pkginfo"
)

// DefaultPath is where the foundation catalog lives when not overridden.
const DefaultPath = "/etc/limba/foundations.list"

// Load parses path into a foundations catalog. A missing file is not an
// error: it yields an empty catalog, matching a minimal host that
// provides no foundation components at all (every foundation dependency
// then either fails resolution or is accepted under the installer's
// WithIgnoreFoundations option).
func Load(path string) ([]pkginfo.PkgInfo, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("foundations: read %s: %w", path, err)
	}

	reader, err := configblocks.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("foundations: parse %s: %w", path, err)
	}

	var out []pkginfo.PkgInfo
	for _, block := range reader.Blocks() {
		pki, err := pkginfo.Decode(block)
		if err != nil {
			return nil, fmt.Errorf("foundations: decode block in %s: %w", path, err)
		}
		pki.AddFlag(pkginfo.FlagInstalled)
		out = append(out, pki)
	}
	return out, nil
}
