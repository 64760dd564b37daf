// Package builder assembles a .lpk PackageArchive (internal/archive §6)
// from a staged payload directory plus a TOML manifest: the direct
// Go-domain analogue of original_source/tools/buildcli/li-build-master.c's
// responsibilities, minus its reproducibility and recipe-execution
// machinery, which spec.md §1 explicitly places outside the core ("the
// build subsystem exists but is not part of the core").
//
// Manifest parsing uses github.com/BurntSushi/toml exactly as
// internal/recipe/loader.go parses recipes, keeping that dependency wired
// into a real, tested component instead of dropping it.
package builder

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/klauspost/compress/zstd"

	"github.com/limba-pkg/limba/internal/configblocks"
	"github.com/limba-pkg/limba/internal/keyring"
	"github.com/limba-pkg/limba/internal/pkginfo"
)

// Manifest is the TOML description of a package to build, the Go-domain
// analogue of the original buildcli's recipe input.
type Manifest struct {
	Name              string `toml:"name"`
	Version           string `toml:"version"`
	Architecture      string `toml:"architecture"`
	AppName           string `toml:"app_name"`
	Requires          string `toml:"requires"`
	BuildRequires     string `toml:"build_requires"`
	Exports           string `toml:"exports"`
	Application       bool   `toml:"application"`
}

// LoadManifest parses a TOML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("builder: parse manifest %s: %w", path, err)
	}
	if m.Name == "" || m.Version == "" {
		return nil, fmt.Errorf("builder: manifest %s missing name or version", path)
	}
	return &m, nil
}

// Build assembles outPath from payloadDir and manifest: it tars the
// payload with zstd compression, writes the control block, computes the
// "<sha256>\t<path>" manifest over (control, payload), and writes the
// result as a single tar container matching internal/archive's expected
// layout. A non-nil signer makes Build return an error: signManifest has
// no private-key signer, so only unsigned archives are produced.
func Build(m *Manifest, payloadDir, outPath string, signer *keyring.Keyring, signingFingerprint string) error {
	info := manifestToPkgInfo(m)
	controlBytes := controlBlockBytes(info)

	payloadBytes, err := tarZstdDir(payloadDir)
	if err != nil {
		return fmt.Errorf("builder: tar payload: %w", err)
	}

	manifestText := buildManifestText(controlBytes, payloadBytes)

	var sigBytes []byte
	if signer != nil {
		sigBytes, err = signManifest(signer, manifestText, signingFingerprint)
		if err != nil {
			return fmt.Errorf("builder: sign manifest: %w", err)
		}
	}

	return writeArchive(outPath, controlBytes, payloadBytes, sigBytes)
}

func manifestToPkgInfo(m *Manifest) pkginfo.PkgInfo {
	info := pkginfo.NewPkgInfo(m.Name, m.Version)
	info.Architecture = m.Architecture
	info.AppName = m.AppName
	info.Dependencies = m.Requires
	info.BuildDependencies = m.BuildRequires
	info.Exports = m.Exports
	if m.Application {
		info.AddFlag(pkginfo.FlagApplication)
	}
	return info
}

func controlBlockBytes(info pkginfo.PkgInfo) []byte {
	// Reuses the same Encode/Writer pair as every other control-block
	// producer in this repository (internal/runtime, internal/cache).
	var w configblocks.Writer
	b := w.NewBlock()
	*b = pkginfo.Encode(info)
	return w.Bytes()
}

// tarZstdDir tars every regular file and directory under dir (relative
// paths, no leading "./") and compresses the result with zstd.
func tarZstdDir(dir string) ([]byte, error) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		if d.Type()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			hdr := &tar.Header{Name: rel, Typeflag: tar.TypeSymlink, Linkname: target, Mode: int64(info.Mode().Perm())}
			return tw.WriteHeader(hdr)
		}

		if d.IsDir() {
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = rel + "/"
			return tw.WriteHeader(hdr)
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	var zBuf bytes.Buffer
	enc, err := zstd.NewWriter(&zBuf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(tarBuf.Bytes()); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return zBuf.Bytes(), nil
}

// buildManifestText computes the "<sha256>\t<path>" lines the signature
// is taken over, in the fixed (control, payload) order internal/archive
// expects (§6).
func buildManifestText(control, payload []byte) []byte {
	controlSum := sha256.Sum256(control)
	payloadSum := sha256.Sum256(payload)
	text := fmt.Sprintf("%s\tcontrol\n%s\tpayload.tar.zst\n",
		hex.EncodeToString(controlSum[:]), hex.EncodeToString(payloadSum[:]))
	return []byte(text)
}

func signManifest(kr *keyring.Keyring, manifestText []byte, fingerprint string) ([]byte, error) {
	// Placeholder seam: the Keyring package focuses on verification (the
	// direction this repository's core actually needs); an operator
	// signing packages for distribution uses a separate offline signing
	// step with their private key, not this library. Builder without a
	// signer produces an unsigned archive for local/dev use
	// (installable through installer.WithAllowInsecure).
	return nil, fmt.Errorf("builder: signing requires an external private-key signer, none configured")
}

// writeArchive writes the final tar container: control, payload.tar.zst,
// and signature.asc (if present), matching internal/archive.OpenFile's
// expected entry names.
func writeArchive(outPath string, control, payload, signature []byte) error {
	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	defer tw.Close()

	if err := writeEntry(tw, "control", control); err != nil {
		return err
	}
	if err := writeEntry(tw, "payload.tar.zst", payload); err != nil {
		return err
	}
	if len(signature) > 0 {
		if err := writeEntry(tw, "signature.asc", signature); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

