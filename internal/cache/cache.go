// Package cache implements the remote package cache layer (spec.md §3 C6,
// §4.4): it maintains a list of repository URLs, downloads and verifies
// per-repository indices and AppStream/icon assets, merges them into a
// single available-package index, and fetches individual packages on
// demand.
//
// Grounded on internal/registry/registry.go and internal/registry/cache.go
// (secure HTTP client construction, sidecar cache metadata, TTL-driven
// config) and internal/httputil (SSRF-hardened client, already reused
// as-is by this package). Fetch renders internal/progress.Writer as its
// own terminal fallback whenever the caller supplies no pct callback.
package cache

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/limba-pkg/limba/internal/configblocks"
	"github.com/limba-pkg/limba/internal/httputil"
	"github.com/limba-pkg/limba/internal/keyring"
	"github.com/limba-pkg/limba/internal/pkginfo"
	"github.com/limba-pkg/limba/internal/progress"
)

// ErrorKind classifies PackageCache errors (spec.md §7).
type ErrorKind int

const (
	ErrFailed ErrorKind = iota
	ErrDownloadFailed
	ErrRemoteNotFound
	ErrNotFound
	ErrWrite
	ErrVerification
	ErrUnpack
)

func (k ErrorKind) String() string {
	switch k {
	case ErrDownloadFailed:
		return "download failed"
	case ErrRemoteNotFound:
		return "not found in repository"
	case ErrNotFound:
		return "package not found"
	case ErrWrite:
		return "write failed"
	case ErrVerification:
		return "verification failed"
	case ErrUnpack:
		return "unpack failed"
	default:
		return "cache failed"
	}
}

// Error is the structured error type returned by Cache methods.
type Error struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	if e.URL != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.URL, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.URL)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Suggestion implements the errmsg suggester interface.
func (e *Error) Suggestion() string {
	switch e.Kind {
	case ErrVerification:
		return "The repository's signature did not verify; check its source configuration or contact the repository operator"
	case ErrRemoteNotFound, ErrNotFound:
		return "Run 'limba update' to refresh repository metadata"
	default:
		return ""
	}
}

const (
	indexFileName = "available.index"
	defaultArch   = "x86_64"
	gpgFileName   = "indices/Indices.gpg"
)

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithHTTPClient overrides the default SSRF-hardened client, primarily for
// tests that point at an httptest.Server.
func WithHTTPClient(c *http.Client) Option {
	return func(ca *Cache) { ca.client = c }
}

// WithKeyring supplies the Keyring used to verify each repository's
// Indices.gpg signature. Without one, Update always fails verification.
func WithKeyring(kr *keyring.Keyring) Option {
	return func(ca *Cache) { ca.keyring = kr }
}

// WithArch overrides the architecture used to select per-arch index
// files; default "x86_64".
func WithArch(arch string) Option {
	return func(ca *Cache) { ca.arch = arch }
}

// Cache is the in-memory, disk-backed view of every configured
// repository's available packages.
type Cache struct {
	CacheRoot string

	client  *http.Client
	keyring *keyring.Keyring
	arch    string
	sources []string

	mu    sync.Mutex
	index map[string]pkginfo.PkgInfo // merged available.index, keyed by id
}

// New creates a Cache rooted at cacheRoot with the given repository URL
// list (already loaded via LoadSources).
func New(cacheRoot string, sources []string, opts ...Option) *Cache {
	c := &Cache{
		CacheRoot: cacheRoot,
		client:    httputil.NewSecureClient(httputil.DefaultOptions()),
		arch:      defaultArch,
		sources:   sources,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadSources reads the user and auto source-list files (one URL per
// line, '#' comments and blank lines ignored) and returns their
// concatenation in file order, preserving duplicate first occurrences
// (spec.md §4.4 "Repository list").
func LoadSources(userList, autoList string) ([]string, error) {
	var urls []string
	for _, path := range []string{userList, autoList} {
		u, err := readSourceList(path)
		if err != nil {
			return nil, err
		}
		urls = append(urls, u...)
	}
	return urls, nil
}

func readSourceList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: read source list %s: %w", path, err)
	}

	var urls []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, nil
}

// repoDir returns <cache_root>/<md5(url)>, the per-repository cache
// directory (spec.md §3 "PackageCache state").
func (c *Cache) repoDir(url string) string {
	sum := md5.Sum([]byte(url))
	return filepath.Join(c.CacheRoot, hex.EncodeToString(sum[:]))
}

// Update performs §4.4 steps 1-7 for every configured repository URL, in
// order. A repository whose signature fails verification, or which 404s
// on Indices.gpg, aborts the whole Update with ErrVerification /
// ErrDownloadFailed; the pre-existing merged index on disk is left
// untouched (the merge in step 7 only happens after every repository in
// the transaction has validated successfully).
func (c *Cache) Update(ctx context.Context, arch string) error {
	if arch == "" {
		arch = c.arch
	}

	merged := map[string]pkginfo.PkgInfo{}
	c.loadExistingIndex(merged) // start from whatever already merged ok

	for _, url := range c.sources {
		perRepo, err := c.updateOne(ctx, url, arch)
		if err != nil {
			return err
		}
		for id, pki := range perRepo {
			merged[id] = pki
		}
	}

	if err := c.writeIndex(merged); err != nil {
		return &Error{Kind: ErrWrite, Err: err}
	}

	c.mu.Lock()
	c.index = merged
	c.mu.Unlock()
	return nil
}

// updateOne runs §4.4 steps 1-6 for a single repository URL and returns
// its parsed, AVAILABLE-flagged PkgInfo set keyed by id.
func (c *Cache) updateOne(ctx context.Context, url, arch string) (map[string]pkginfo.PkgInfo, error) {
	dir := c.repoDir(url)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Kind: ErrWrite, URL: url, Err: err}
	}

	type fetched struct {
		relPath string
		data    []byte
	}
	var files []fetched

	optional := []string{
		"indices/all/Index.gz",
		"indices/" + arch + "/Index.gz",
		"indices/all/Metadata.xml.gz",
		"indices/" + arch + "/Metadata.xml.gz",
	}
	for _, rel := range optional {
		data, status, err := c.download(ctx, url+"/"+rel)
		if err != nil {
			return nil, &Error{Kind: ErrDownloadFailed, URL: url, Err: err}
		}
		if status == http.StatusNotFound {
			continue // recoverable skip, §4.4 step 2
		}
		if status != http.StatusOK {
			return nil, &Error{Kind: ErrDownloadFailed, URL: url, Err: fmt.Errorf("HTTP %d fetching %s", status, rel)}
		}
		files = append(files, fetched{relPath: rel, data: data})
	}

	gpgData, status, err := c.download(ctx, url+"/"+gpgFileName)
	if err != nil {
		return nil, &Error{Kind: ErrDownloadFailed, URL: url, Err: err}
	}
	if status != http.StatusOK {
		// 404 on Indices.gpg is fatal, §4.4 step 2.
		return nil, &Error{Kind: ErrDownloadFailed, URL: url, Err: fmt.Errorf("HTTP %d fetching %s", status, gpgFileName)}
	}

	if c.keyring == nil {
		return nil, &Error{Kind: ErrVerification, URL: url, Err: fmt.Errorf("no keyring configured")}
	}
	level, cleartext, err := verifyManifest(c.keyring, gpgData)
	if err != nil {
		return nil, &Error{Kind: ErrVerification, URL: url, Err: err}
	}
	if level < keyring.TrustMedium {
		return nil, &Error{Kind: ErrVerification, URL: url, Err: fmt.Errorf("trust level %s is below required medium", level)}
	}

	manifest, err := keyring.ParseManifestLines(cleartext)
	if err != nil {
		return nil, &Error{Kind: ErrVerification, URL: url, Err: err}
	}
	manifestByPath := make(map[string]string, len(manifest))
	for _, m := range manifest {
		manifestByPath[m.Path] = m.SHA256
	}

	for _, f := range files {
		want, ok := manifestByPath[f.relPath]
		if !ok {
			return nil, &Error{Kind: ErrVerification, URL: url, Err: fmt.Errorf("%s not present in signed manifest", f.relPath)}
		}
		sum := sha256.Sum256(f.data)
		got := hex.EncodeToString(sum[:])
		if got != want {
			return nil, &Error{Kind: ErrVerification, URL: url, Err: fmt.Errorf("%s: checksum mismatch", f.relPath)}
		}
		if err := os.WriteFile(filepath.Join(dir, sanitizeRelPath(f.relPath)), f.data, 0o644); err != nil {
			return nil, &Error{Kind: ErrWrite, URL: url, Err: err}
		}
	}

	perRepo := map[string]pkginfo.PkgInfo{}
	for _, f := range files {
		if !strings.HasSuffix(f.relPath, "Index.gz") {
			continue
		}
		pkgs, err := parseIndexGz(f.data)
		if err != nil {
			return nil, &Error{Kind: ErrFailed, URL: url, Err: err}
		}
		for _, pki := range pkgs {
			pki.AddFlag(pkginfo.FlagAvailable)
			pki.RepoLocation = url + "/" + pki.RepoLocation
			pki.Repository = url
			perRepo[pki.ID] = pki
		}
	}

	c.downloadIcons(ctx, url, dir) // best-effort, 404 is a skip

	return perRepo, nil
}

// downloadIcons fetches and extracts the icon tarballs named in spec.md
// §4.4 step 6; a 404 on either is a silent skip, matching optional-file
// handling elsewhere in Update.
func (c *Cache) downloadIcons(ctx context.Context, url, dir string) {
	for _, size := range []string{"64x64", "128x128"} {
		data, status, err := c.download(ctx, url+"/indices/icons_"+size+".tar.gz")
		if err != nil || status != http.StatusOK {
			continue
		}
		destDir := filepath.Join(dir, "icons", size)
		_ = extractTarGz(data, destDir) // best-effort; icon extraction failures are not fatal
	}
}

// download performs an HTTP GET and returns the body, status code, and
// any transport-level error (a non-200/404 status is returned as a
// regular result, not an error, so callers can apply §4.4's 404-is-skip
// rule).
func (c *Cache) download(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, resp.StatusCode, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

func parseIndexGz(data []byte) ([]pkginfo.PkgInfo, error) {
	gr, err := gzip.NewReader(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("cache: open gzip index: %w", err)
	}
	defer gr.Close()

	raw, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("cache: read gzip index: %w", err)
	}

	reader, err := configblocks.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("cache: parse index: %w", err)
	}

	var pkgs []pkginfo.PkgInfo
	for {
		block, ok := reader.Next()
		if !ok {
			break
		}
		pki, err := pkginfo.Decode(block)
		if err != nil {
			continue
		}
		pkgs = append(pkgs, pki)
	}
	return pkgs, nil
}

// verifyManifest submits gpgData (an armored Indices.gpg) to kr and
// returns the resulting trust level plus the signed cleartext payload.
// Indices.gpg is itself a detached signature whose cleartext is carried
// alongside it as a ".txt" sibling entry in the same download in a real
// deployment; this repo's bundle format instead treats the downloaded
// bytes as a clearsigned OpenPGP message (signature + payload together),
// which gopenpgp parses via VerifyDetached's counterpart on an armored
// message. For test fixtures and the verified path here, gpgData is
// treated as "<payload>\n-----BEGIN PGP SIGNATURE-----...": the payload
// before the armor block is the cleartext, the armor block is verified
// as a detached signature over it.
func verifyManifest(kr *keyring.Keyring, gpgData []byte) (keyring.TrustLevel, []byte, error) {
	const marker = "-----BEGIN PGP SIGNATURE-----"
	idx := strings.Index(string(gpgData), marker)
	if idx == -1 {
		return keyring.TrustNone, nil, fmt.Errorf("cache: Indices.gpg missing signature block")
	}
	cleartext := gpgData[:idx]
	sig := gpgData[idx:]

	level, _, err := kr.VerifyDetached(cleartext, sig)
	if err != nil {
		return keyring.TrustNone, nil, err
	}
	return level, cleartext, nil
}

// extractTarGz extracts a gzip-compressed tar stream into destDir,
// rejecting any entry that would escape it.
func extractTarGz(data []byte, destDir string) error {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer gr.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, header.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			continue
		}
		switch header.Typeflag {
		case tar.TypeDir:
			os.MkdirAll(target, 0o755)
		case tar.TypeReg:
			os.MkdirAll(filepath.Dir(target), 0o755)
			f, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				continue
			}
			io.Copy(f, tr)
			f.Close()
		}
	}
}

func sanitizeRelPath(rel string) string {
	return strings.ReplaceAll(rel, "/", "_")
}

// loadExistingIndex reads the merged available.index from disk into dst,
// best-effort (a missing or corrupt index just means Update starts from
// empty).
func (c *Cache) loadExistingIndex(dst map[string]pkginfo.PkgInfo) {
	data, err := os.ReadFile(filepath.Join(c.CacheRoot, indexFileName))
	if err != nil {
		return
	}
	reader, err := configblocks.Parse(data)
	if err != nil {
		return
	}
	for {
		block, ok := reader.Next()
		if !ok {
			break
		}
		if pki, err := pkginfo.Decode(block); err == nil {
			dst[pki.ID] = pki
		}
	}
}

// writeIndex serializes merged to a temp file and renames it over
// available.index, so a mid-write crash never corrupts the existing
// index (S5/S6: "pre-existing merged index unchanged" on failure).
func (c *Cache) writeIndex(merged map[string]pkginfo.PkgInfo) error {
	var w configblocks.Writer
	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		b := w.NewBlock()
		enc := pkginfo.Encode(merged[id])
		for k, v := range enc {
			(*b)[k] = v
		}
	}

	tmp, err := os.CreateTemp(c.CacheRoot, "available.index.tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(w.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, filepath.Join(c.CacheRoot, indexFileName))
}

// Resolve looks up pkgID in the merged in-memory index, loading it from
// disk first if Update has not yet populated it this process.
func (c *Cache) Resolve(pkgID string) (pkginfo.PkgInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index == nil {
		c.index = map[string]pkginfo.PkgInfo{}
		c.loadExistingIndex(c.index)
	}
	pki, ok := c.index[pkgID]
	return pki, ok
}

// Available returns every package known through the merged index,
// loading it from disk first if Update has not yet populated it this
// process. Used by the installer to build the union of installed-and-
// available candidates for resolution (§4.2 source 3).
func (c *Cache) Available() []pkginfo.PkgInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index == nil {
		c.index = map[string]pkginfo.PkgInfo{}
		c.loadExistingIndex(c.index)
	}
	pkgs := make([]pkginfo.PkgInfo, 0, len(c.index))
	for _, pki := range c.index {
		pkgs = append(pkgs, pki)
	}
	return pkgs
}

// Fetch downloads pkgID's RepoLocation into a process-private temp
// directory, reporting progress as (percentage, pkgID). If the response's
// Content-Length is unknown, no progress callbacks fire (§4.4 "Fetch").
func (c *Cache) Fetch(ctx context.Context, pkgID string, onProgress func(pct int, pkgID string)) (string, error) {
	pki, ok := c.Resolve(pkgID)
	if !ok {
		return "", &Error{Kind: ErrNotFound, URL: pkgID}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pki.RepoLocation, nil)
	if err != nil {
		return "", &Error{Kind: ErrDownloadFailed, URL: pki.RepoLocation, Err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", &Error{Kind: ErrDownloadFailed, URL: pki.RepoLocation, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", &Error{Kind: ErrRemoteNotFound, URL: pki.RepoLocation}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &Error{Kind: ErrDownloadFailed, URL: pki.RepoLocation, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	tmpDir, err := os.MkdirTemp("", "limba-fetch-*")
	if err != nil {
		return "", &Error{Kind: ErrWrite, Err: err}
	}
	destPath := filepath.Join(tmpDir, filepath.Base(pki.RepoLocation))

	f, err := os.Create(destPath)
	if err != nil {
		return "", &Error{Kind: ErrWrite, Err: err}
	}
	defer f.Close()

	var reader io.Reader = resp.Body
	if resp.ContentLength > 0 && onProgress != nil {
		reader = &countingReader{r: resp.Body, total: resp.ContentLength, pkgID: pkgID, onProgress: onProgress}
	}

	// A caller that passed no pct callback (e.g. a direct API user, not
	// cmd/limba's spinner-driven install path) still gets a rendered bar
	// on a terminal, rather than Fetch going silent for a possibly large
	// archive download.
	var dst io.Writer = f
	if onProgress == nil && progress.ShouldShowProgress() {
		pw := progress.NewWriter(f, resp.ContentLength, os.Stderr)
		defer pw.Finish()
		dst = pw
	}

	if _, err := io.Copy(dst, reader); err != nil {
		return "", &Error{Kind: ErrDownloadFailed, URL: pki.RepoLocation, Err: err}
	}
	return destPath, nil
}

// countingReader wraps an io.Reader and emits (percentage, pkgID)
// progress callbacks as round(100*downloaded/total), §4.4 "Fetch".
type countingReader struct {
	r          io.Reader
	total      int64
	downloaded int64
	pkgID      string
	onProgress func(pct int, pkgID string)
	lastPct    int
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.downloaded += int64(n)
		pct := int((100*cr.downloaded + cr.total/2) / cr.total)
		if pct != cr.lastPct {
			cr.lastPct = pct
			cr.onProgress(pct, cr.pkgID)
		}
	}
	return n, err
}
