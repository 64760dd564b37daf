// Package archive reads and extracts .lpk bundle files: a tar stream
// carrying a configblocks control block, a compressed payload, a
// detached signature over both, and zero or more embedded
// sub-packages.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/sorairolake/lzip-go"
	"github.com/ulikunitz/xz"

	"github.com/limba-pkg/limba/internal/cache"
	"github.com/limba-pkg/limba/internal/configblocks"
	"github.com/limba-pkg/limba/internal/keyring"
	"github.com/limba-pkg/limba/internal/pkginfo"
)

const (
	entryControl     = "control"
	entryPayloadZstd = "payload.tar.zst"
	entryPayloadXz   = "payload.tar.xz"
	entryPayloadLzip = "payload.tar.lz"
	entrySignature   = "signature.asc"
	embeddedPrefix   = "embedded/"
)

// payloadEntryNames are tried, in order, when looking for the payload
// entry inside a .lpk. zstd is the default format this repository's own
// builder produces (internal/builder); xz and lzip are accepted for
// bundles built or re-packaged by older tooling.
var payloadEntryNames = []string{entryPayloadZstd, entryPayloadXz, entryPayloadLzip}

// findPayloadEntry returns the name of whichever payload entry is
// present in the .lpk at path.
func findPayloadEntry(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	present := make(map[string]bool)
	tr := tar.NewReader(f)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		present[strings.TrimPrefix(header.Name, "./")] = true
	}

	for _, name := range payloadEntryNames {
		if present[name] {
			return name, nil
		}
	}
	return "", fmt.Errorf("archive: no payload entry found")
}

// PackageArchive is a handle onto an on-disk .lpk file.
type PackageArchive struct {
	Path       string
	Info       pkginfo.PkgInfo
	AutoVerify bool

	embedded []pkginfo.PkgInfo // populated lazily by Embedded()
}

// OpenFile opens the .lpk at path and decodes its control block.
// AutoVerify is left enabled: the caller is expected to call
// VerifySignature before trusting the payload.
func OpenFile(path string) (*PackageArchive, error) {
	block, err := readEntry(path, entryControl)
	if err != nil {
		return nil, fmt.Errorf("archive: read control block: %w", err)
	}

	blocks, err := configblocks.Parse(block)
	if err != nil {
		return nil, fmt.Errorf("archive: parse control block: %w", err)
	}
	b, ok := blocks.Next()
	if !ok {
		return nil, fmt.Errorf("archive: control block is empty")
	}

	info, err := pkginfo.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("archive: decode control block: %w", err)
	}

	return &PackageArchive{Path: path, Info: info, AutoVerify: true}, nil
}

// OpenRemote fetches pkgID through c into a process-private temp
// directory and opens the result. Mirrors
// li_installer_add_dependency_remote / li_package_set_auto_verify(FALSE):
// the cache already validated each file's SHA-256 against the signed
// repository index, so the inner bundle signature is not re-checked
// here (the client may not even hold the publisher's key).
func OpenRemote(ctx context.Context, c *cache.Cache, pkgID string) (*PackageArchive, error) {
	tmpPath, err := c.Fetch(ctx, pkgID, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: fetch %s: %w", pkgID, err)
	}

	a, err := OpenFile(tmpPath)
	if err != nil {
		return nil, err
	}
	a.AutoVerify = false
	return a, nil
}

// VerifySignature verifies the archive's detached signature over its
// control block and payload against kr, returning the resulting trust
// level. If AutoVerify is false (a cache-fetched archive), it returns
// TrustHigh without touching the signature, matching the teacher's
// "trust the already-verified download" behavior.
func (a *PackageArchive) VerifySignature(kr *keyring.Keyring) (keyring.TrustLevel, error) {
	if !a.AutoVerify {
		return keyring.TrustHigh, nil
	}

	manifest, err := a.buildManifest()
	if err != nil {
		return keyring.TrustNone, err
	}

	sig, err := readEntry(a.Path, entrySignature)
	if err != nil {
		return keyring.TrustNone, fmt.Errorf("archive: read signature: %w", err)
	}

	level, _, err := kr.VerifyDetached(manifest, sig)
	if err != nil {
		return keyring.TrustNone, fmt.Errorf("archive: verify signature: %w", err)
	}
	return level, nil
}

// buildManifest reconstructs the "<sha256>\t<path>" cleartext the
// signature was computed over, for entryControl and whichever payload
// entry is present, in that fixed order.
func (a *PackageArchive) buildManifest() ([]byte, error) {
	payloadName, err := findPayloadEntry(a.Path)
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, name := range []string{entryControl, payloadName} {
		data, err := readEntry(a.Path, name)
		if err != nil {
			return nil, fmt.Errorf("archive: read %s for manifest: %w", name, err)
		}
		sum := sha256.Sum256(data)
		lines = append(lines, fmt.Sprintf("%s\t%s", hex.EncodeToString(sum[:]), name))
	}
	return []byte(strings.Join(lines, "\n") + "\n"), nil
}

// Embedded lists the sub-packages bundled under embedded/ inside the
// archive, decoding each one's own control block without extracting
// its payload.
func (a *PackageArchive) Embedded() ([]pkginfo.PkgInfo, error) {
	if a.embedded != nil {
		return a.embedded, nil
	}

	names, err := listEmbedded(a.Path)
	if err != nil {
		return nil, err
	}

	var infos []pkginfo.PkgInfo
	for _, name := range names {
		sub, err := extractEmbeddedToTemp(a.Path, name)
		if err != nil {
			return nil, err
		}
		child, err := OpenFile(sub)
		os.Remove(sub)
		if err != nil {
			return nil, fmt.Errorf("archive: open embedded %s: %w", name, err)
		}
		infos = append(infos, child.Info)
	}

	a.embedded = infos
	return infos, nil
}

// ExtractEmbedded extracts the embedded sub-package matching dep.ID
// (or dep.Name, if ID is unset) into destDir and opens the resulting
// file as a PackageArchive, recursing through §4.2 steps 4-5. Embedded
// entries are named <name>-<version>.lpk, so the "/" in an ID such as
// "libgreet/1.0" is matched as "-".
func (a *PackageArchive) ExtractEmbedded(dep pkginfo.PkgInfo, destDir string) (*PackageArchive, error) {
	names, err := listEmbedded(a.Path)
	if err != nil {
		return nil, err
	}

	want := strings.ReplaceAll(dep.ID, "/", "-")
	if want == "" {
		want = dep.Name
	}

	for _, name := range names {
		base := strings.TrimSuffix(filepath.Base(name), ".lpk")
		if base != want && !strings.HasPrefix(base, want+"-") {
			continue
		}

		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return nil, fmt.Errorf("archive: create dest dir: %w", err)
		}
		destPath := filepath.Join(destDir, filepath.Base(name))
		if err := extractEmbeddedTo(a.Path, name, destPath); err != nil {
			return nil, err
		}
		return OpenFile(destPath)
	}

	return nil, fmt.Errorf("archive: embedded package %q not found", want)
}

// ExtractPayload extracts the archive's payload entry into destDir,
// applying the same path-traversal and symlink-escape hardening as tar
// extraction elsewhere in this repository's lineage. The payload may be
// zstd-, xz- or lzip-compressed (§4.3); the entry actually present in
// the archive decides which decoder runs.
func (a *PackageArchive) ExtractPayload(destDir string) error {
	payloadName, err := findPayloadEntry(a.Path)
	if err != nil {
		return err
	}
	data, err := readEntry(a.Path, payloadName)
	if err != nil {
		return fmt.Errorf("archive: read payload: %w", err)
	}

	tr, closeReader, err := payloadTarReader(payloadName, data)
	if err != nil {
		return err
	}
	defer closeReader()

	return extractTarReader(tr, destDir)
}

// payloadTarReader returns a *tar.Reader over the decompressed payload
// and a matching close function, chosen by payloadName's extension.
func payloadTarReader(payloadName string, data []byte) (*tar.Reader, func(), error) {
	switch payloadName {
	case entryPayloadXz:
		dec, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, nil, fmt.Errorf("archive: create xz reader: %w", err)
		}
		return tar.NewReader(dec), func() {}, nil

	case entryPayloadLzip:
		dec, err := lzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, nil, fmt.Errorf("archive: create lzip reader: %w", err)
		}
		return tar.NewReader(dec), func() {}, nil

	default:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, nil, fmt.Errorf("archive: create zstd reader: %w", err)
		}
		return tar.NewReader(dec), dec.Close, nil
	}
}

// extractTarReader writes every entry of tr under destPath, rejecting
// any entry whose resolved path escapes destPath.
func extractTarReader(tr *tar.Reader, destPath string) error {
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("archive: read tar header: %w", err)
		}

		cleanName := strings.TrimPrefix(header.Name, "./")
		target := filepath.Join(destPath, cleanName)
		if !isPathWithinDirectory(target, destPath) {
			return fmt.Errorf("archive: entry escapes destination directory: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("archive: create directory: %w", err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("archive: create parent directory: %w", err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("archive: create file: %w", err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("archive: write file: %w", err)
			}
			f.Close()

		case tar.TypeSymlink:
			if err := validateSymlinkTarget(header.Linkname, target, destPath); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("archive: create parent directory: %w", err)
			}
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("archive: create symlink: %w", err)
			}
		}
	}
	return nil
}

// isPathWithinDirectory reports whether targetPath resolves inside basePath.
func isPathWithinDirectory(targetPath, basePath string) bool {
	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return false
	}
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return false
	}
	return absTarget == absBase || strings.HasPrefix(absTarget, absBase+string(os.PathSeparator))
}

// validateSymlinkTarget rejects symlinks whose target would resolve
// outside destPath, including absolute targets.
func validateSymlinkTarget(linkTarget, linkLocation, destPath string) error {
	if filepath.IsAbs(linkTarget) {
		return fmt.Errorf("archive: absolute symlink targets are not allowed: %s -> %s", linkLocation, linkTarget)
	}
	resolved := filepath.Join(filepath.Dir(linkLocation), linkTarget)
	if !isPathWithinDirectory(resolved, destPath) {
		return fmt.Errorf("archive: symlink target escapes destination directory: %s -> %s", linkLocation, linkTarget)
	}
	return nil
}

// readEntry returns the full contents of the tar entry named name
// inside the .lpk at path.
func readEntry(path, name string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("entry %q not found", name)
		}
		if err != nil {
			return nil, err
		}
		if strings.TrimPrefix(header.Name, "./") == name {
			return io.ReadAll(tr)
		}
	}
}

// listEmbedded returns the sorted names of every embedded/*.lpk entry.
func listEmbedded(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	tr := tar.NewReader(f)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		clean := strings.TrimPrefix(header.Name, "./")
		if header.Typeflag == tar.TypeReg && strings.HasPrefix(clean, embeddedPrefix) && strings.HasSuffix(clean, ".lpk") {
			names = append(names, clean)
		}
	}
	sort.Strings(names)
	return names, nil
}

// extractEmbeddedToTemp writes entry name from the .lpk at path to a
// temp file and returns its path.
func extractEmbeddedToTemp(path, name string) (string, error) {
	f, err := os.CreateTemp("", "limba-embedded-*.lpk")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := extractEmbeddedTo(path, name, f.Name()); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func extractEmbeddedTo(path, name, destPath string) error {
	data, err := readEntry(path, name)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0o644)
}
