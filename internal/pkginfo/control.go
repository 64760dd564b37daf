package pkginfo

import (
	"fmt"
	"strconv"

	"github.com/limba-pkg/limba/internal/configblocks"
)

// Control-block field names, matching the accessor names in
// original_source/src/li-pkg-info.h (ID, Name, Version, ...).
const (
	fieldID                = "ID"
	fieldName               = "Name"
	fieldVersion            = "Version"
	fieldArchitecture       = "Architecture"
	fieldAppName            = "AppName"
	fieldDependencies       = "Requires"
	fieldBuildDependencies  = "BuildRequires"
	fieldExports            = "Exports"
	fieldRuntimeUUID        = "Runtime"
	fieldChecksumSHA256     = "ChecksumSHA256"
	fieldRepoLocation       = "RepoLocation"
	fieldRepository         = "Repository"
	fieldFlags              = "Flags"
)

// Encode renders a PkgInfo as a control block. Empty fields are
// omitted rather than written as empty values.
func Encode(p PkgInfo) configblocks.Block {
	b := configblocks.Block{}

	setIfNotEmpty(b, fieldID, p.ID)
	setIfNotEmpty(b, fieldName, p.Name)
	setIfNotEmpty(b, fieldVersion, p.Version)
	setIfNotEmpty(b, fieldArchitecture, p.Architecture)
	setIfNotEmpty(b, fieldAppName, p.AppName)
	setIfNotEmpty(b, fieldDependencies, p.Dependencies)
	setIfNotEmpty(b, fieldBuildDependencies, p.BuildDependencies)
	setIfNotEmpty(b, fieldExports, p.Exports)
	setIfNotEmpty(b, fieldRuntimeUUID, p.RuntimeUUID)
	setIfNotEmpty(b, fieldChecksumSHA256, p.ChecksumSHA256)
	setIfNotEmpty(b, fieldRepoLocation, p.RepoLocation)
	setIfNotEmpty(b, fieldRepository, p.Repository)
	if p.Flags != 0 {
		b[fieldFlags] = []string{strconv.Itoa(int(p.Flags))}
	}

	return b
}

func setIfNotEmpty(b configblocks.Block, field, value string) {
	if value != "" {
		b[field] = []string{value}
	}
}

// Decode parses a control block back into a PkgInfo, deriving ID from
// Name/Version when the ID field itself is absent (older control
// files predating an explicit ID field).
func Decode(b configblocks.Block) (PkgInfo, error) {
	p := PkgInfo{
		ID:                b.Value(fieldID),
		Name:              b.Value(fieldName),
		Version:           b.Value(fieldVersion),
		Architecture:      b.Value(fieldArchitecture),
		AppName:           b.Value(fieldAppName),
		Dependencies:      b.Value(fieldDependencies),
		BuildDependencies: b.Value(fieldBuildDependencies),
		Exports:           b.Value(fieldExports),
		RuntimeUUID:       b.Value(fieldRuntimeUUID),
		ChecksumSHA256:    b.Value(fieldChecksumSHA256),
		RepoLocation:      b.Value(fieldRepoLocation),
		Repository:        b.Value(fieldRepository),
	}

	if p.Name == "" {
		return PkgInfo{}, fmt.Errorf("configblocks: control block missing required %q field", fieldName)
	}

	if p.ID == "" && p.Name != "" && p.Version != "" {
		p.ID = p.Name + "/" + p.Version
	}

	if raw := b.Value(fieldFlags); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return PkgInfo{}, fmt.Errorf("configblocks: invalid %q value %q: %w", fieldFlags, raw, err)
		}
		p.Flags = PackageFlags(n)
	}

	return p, nil
}
