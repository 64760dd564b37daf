// Package exporter walks a package's extracted payload for files marked
// for export and creates host-visible shims for them, recording each as a
// tab-separated "source\tabsolute-target" line in an "exported" index
// file (spec.md §4.3, supplemented from original_source/src/li-exporter.h
// which names additional export kinds — desktop entries, mime types,
// dbus services — this repo implements the common case, binaries, plus
// desktop entries).
//
// Binary export is grounded on internal/install/manager.go's
// createSymlinksForBinaries/createWrappersForBinaries, generalized so a
// wrapper always re-execs through the package's own runtime overlay
// rather than splicing dependency bin/ directories into PATH: every
// Limba application already composes its dependency view via the
// launcher (internal/launcher), so the wrapper only needs to invoke
// `limba-runapp <id>:<relative>` with the caller's argv tail.
package exporter

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/limba-pkg/limba/internal/pkginfo"
)

// ExportKind distinguishes the shim types this package produces.
type ExportKind int

const (
	ExportBinary ExportKind = iota
	ExportDesktopEntry
)

const (
	fieldExports   = "Exports"
	hostBinDir     = "/opt/software/bin"
	hostDesktopDir = "/usr/share/applications"
)

// Export walks dataDir for the relative paths registered under pki's
// "Exports:" control field and writes wrapper shims (binaries) or copies
// (desktop files) to their host target, recording each as a
// "source\tabsolute-target" line in exportedIndexPath.
func Export(pki pkginfo.PkgInfo, dataDir, exportedIndexPath string) error {
	entries := parseExports(pki)
	if len(entries) == 0 {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].relPath < entries[j].relPath })

	var lines []string
	for _, e := range entries {
		target, err := exportOne(pki, dataDir, e)
		if err != nil {
			return fmt.Errorf("exporter: export %s: %w", e.relPath, err)
		}
		if target == "" {
			continue
		}
		lines = append(lines, e.relPath+"\t"+target)
	}

	if len(lines) == 0 {
		return nil
	}
	return os.WriteFile(exportedIndexPath, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

type exportEntry struct {
	relPath string
	kind    ExportKind
}

// parseExports reads the comma-separated "Exports:" field. Entries
// ending ".desktop" export as desktop entries; every other entry exports
// as a binary.
func parseExports(pki pkginfo.PkgInfo) []exportEntry {
	if pki.Exports == "" {
		return nil
	}

	var entries []exportEntry
	for _, tok := range strings.Split(pki.Exports, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		kind := ExportBinary
		if strings.HasSuffix(tok, ".desktop") {
			kind = ExportDesktopEntry
		}
		entries = append(entries, exportEntry{relPath: tok, kind: kind})
	}
	return entries
}

func exportOne(pki pkginfo.PkgInfo, dataDir string, e exportEntry) (string, error) {
	src := filepath.Join(dataDir, e.relPath)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	switch e.kind {
	case ExportDesktopEntry:
		return exportDesktopEntry(pki, src, e.relPath)
	default:
		return exportBinary(pki, src, e.relPath)
	}
}

// exportBinary writes a wrapper script to hostBinDir that re-execs the
// payload binary through limba-runapp, so the binary always runs with
// its runtime overlay composed (unlike the teacher's ad hoc
// LD_LIBRARY_PATH/PATH wrapper, which assumed a flat ~/.tsuku layout with
// no mount-namespace composition).
func exportBinary(pki pkginfo.PkgInfo, _ string, relPath string) (string, error) {
	name := filepath.Base(relPath)
	target := filepath.Join(hostBinDir, name)

	invocation := pki.ID + ":" + relPath
	content := fmt.Sprintf("#!/bin/sh\nexec limba-runapp %q \"$@\"\n", invocation)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return target, nil
}

// exportDesktopEntry copies the .desktop file verbatim to the host
// applications directory.
func exportDesktopEntry(_ pkginfo.PkgInfo, src, relPath string) (string, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	target := filepath.Join(hostDesktopDir, filepath.Base(relPath))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", err
	}
	return target, nil
}
