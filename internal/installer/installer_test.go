package installer

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limba-pkg/limba/internal/cache"
	"github.com/limba-pkg/limba/internal/keyring"
	"github.com/limba-pkg/limba/internal/manager"
	"github.com/limba-pkg/limba/internal/pkginfo"
	"github.com/limba-pkg/limba/internal/runtime"
)

const (
	entryControl     = "control"
	entryPayloadZstd = "payload.tar.zst"
	entrySignature   = "signature.asc"
	embeddedPrefix   = "embedded/"
)

func zstdTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	var zBuf bytes.Buffer
	enc, err := zstd.NewWriter(&zBuf)
	require.NoError(t, err)
	_, err = enc.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	return zBuf.Bytes()
}

func generateTestKey(t *testing.T) (*crypto.Key, string) {
	t.Helper()
	key, err := crypto.GenerateKey("Test", "test@example.com", "rsa", 2048)
	require.NoError(t, err)
	armored, err := key.Armor()
	require.NoError(t, err)
	return key, armored
}

// buildSignedArchive writes a .lpk at dir/filename whose signature
// verifies against key (when non-nil) -- or, when key is nil, whose
// signature.asc entry is simply absent (for AllowInsecure-mode tests).
func buildSignedArchive(t *testing.T, dir, filename, control string, payloadFiles map[string]string, embedded map[string][]byte, key *crypto.Key) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	payload := zstdTar(t, payloadFiles)

	tw := tar.NewWriter(f)
	defer tw.Close()

	writeEntry := func(name string, data []byte) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}

	writeEntry(entryControl, []byte(control))
	writeEntry(entryPayloadZstd, payload)
	for name, data := range embedded {
		writeEntry(embeddedPrefix+name, data)
	}

	if key != nil {
		ctrlSum := sha256.Sum256([]byte(control))
		payloadSum := sha256.Sum256(payload)
		manifest := fmt.Sprintf("%s\t%s\n%s\t%s\n",
			hex.EncodeToString(ctrlSum[:]), entryControl,
			hex.EncodeToString(payloadSum[:]), entryPayloadZstd)

		keyRing, err := crypto.NewKeyRing(key)
		require.NoError(t, err)
		sig, err := keyRing.SignDetached(crypto.NewPlainMessage([]byte(manifest)))
		require.NoError(t, err)
		armored, err := sig.GetArmored()
		require.NoError(t, err)
		writeEntry(entrySignature, []byte(armored))
	}

	return path
}

func newTestInstaller(t *testing.T, softwareRoot string, opts ...Option) (*Installer, *manager.Manager) {
	t.Helper()
	mgr := manager.New(softwareRoot)
	ins := New(softwareRoot, mgr, nil, nil, append([]Option{WithAllowInsecure(true)}, opts...)...)
	return ins, mgr
}

func TestInstall_S1_EmbeddedDependency(t *testing.T) {
	root := t.TempDir()
	bundleDir := t.TempDir()

	libBytes, err := os.ReadFile(buildSignedArchive(t, t.TempDir(), "libgreet.lpk", "Name: libgreet\nVersion: 1.0\n",
		map[string]string{"lib/libgreet.so": "libdata"}, nil, nil))
	require.NoError(t, err)

	helloPath := buildSignedArchive(t, bundleDir, "hello.lpk", "Name: hello\nVersion: 1.0\nRequires: libgreet(>=1.0)\n",
		map[string]string{"bin/hello": "hellobin"},
		map[string][]byte{"libgreet-1.0.lpk": libBytes}, nil)

	ins, _ := newTestInstaller(t, root)
	require.NoError(t, ins.OpenFile(helloPath))
	require.NoError(t, ins.Install(context.Background()))

	assertDirExists(t, filepath.Join(root, "hello", "1.0"))
	assertDirExists(t, filepath.Join(root, "libgreet", "1.0"))

	runtimesDir := filepath.Join(root, "runtimes")
	entries, err := os.ReadDir(runtimesDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "exactly one new runtime expected")

	rt, err := runtime.Load(root, entries[0].Name())
	require.NoError(t, err)
	assert.Equal(t, []string{"libgreet/1.0"}, rt.Members)

	helloControl, err := os.ReadFile(filepath.Join(root, "hello", "1.0", "control"))
	require.NoError(t, err)
	assert.Contains(t, string(helloControl), "Runtime: "+rt.UUID)
}

func TestInstall_S3_DependencyMissing(t *testing.T) {
	root := t.TempDir()
	path := buildSignedArchive(t, t.TempDir(), "hello.lpk", "Name: hello\nVersion: 1.0\nRequires: nonesuch\n",
		map[string]string{"bin/hello": "bin"}, nil, nil)

	ins, _ := newTestInstaller(t, root)
	require.NoError(t, ins.OpenFile(path))

	err := ins.Install(context.Background())
	require.Error(t, err)
	instErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrDependencyNotFound, instErr.Kind)
	assert.Contains(t, err.Error(), "nonesuch")

	entries, _ := os.ReadDir(root)
	assert.Empty(t, entries, "no files should be created under root")
}

func TestInstall_RuntimeReuse(t *testing.T) {
	root := t.TempDir()

	libBytesA, err := os.ReadFile(buildSignedArchive(t, t.TempDir(), "libgreet.lpk", "Name: libgreet\nVersion: 1.0\n",
		map[string]string{"lib/libgreet.so": "data"}, nil, nil))
	require.NoError(t, err)
	appAPath := buildSignedArchive(t, t.TempDir(), "appa.lpk", "Name: appa\nVersion: 1.0\nRequires: libgreet(>=1.0)\n",
		map[string]string{"bin/appa": "bin"}, map[string][]byte{"libgreet-1.0.lpk": libBytesA}, nil)

	insA, _ := newTestInstaller(t, root)
	require.NoError(t, insA.OpenFile(appAPath))
	require.NoError(t, insA.Install(context.Background()))

	runtimesDir := filepath.Join(root, "runtimes")
	firstEntries, err := os.ReadDir(runtimesDir)
	require.NoError(t, err)
	require.Len(t, firstEntries, 1)

	libBytesB, err := os.ReadFile(buildSignedArchive(t, t.TempDir(), "libgreet.lpk", "Name: libgreet\nVersion: 1.0\n",
		map[string]string{"lib/libgreet.so": "data"}, nil, nil))
	require.NoError(t, err)
	appBPath := buildSignedArchive(t, t.TempDir(), "appb.lpk", "Name: appb\nVersion: 1.0\nRequires: libgreet(>=1.0)\n",
		map[string]string{"bin/appb": "bin"}, map[string][]byte{"libgreet-1.0.lpk": libBytesB}, nil)

	insB, mgr := newTestInstaller(t, root)
	mgr.Invalidate()
	require.NoError(t, insB.OpenFile(appBPath))
	require.NoError(t, insB.Install(context.Background()))

	secondEntries, err := os.ReadDir(runtimesDir)
	require.NoError(t, err)
	assert.Len(t, secondEntries, 1, "installing appb with the same dependency set must not create a new runtime")
}

func TestInstall_PrefersInstalledOverEmbedded(t *testing.T) {
	root := t.TempDir()

	libPath := buildSignedArchive(t, t.TempDir(), "libgreet.lpk", "Name: libgreet\nVersion: 1.0\n",
		map[string]string{"lib/libgreet.so": "installed-data"}, nil, nil)
	ins0, mgr := newTestInstaller(t, root)
	require.NoError(t, ins0.OpenFile(libPath))
	require.NoError(t, ins0.Install(context.Background()))
	mgr.Invalidate()

	embeddedLibBytes, err := os.ReadFile(buildSignedArchive(t, t.TempDir(), "libgreet-embedded.lpk", "Name: libgreet\nVersion: 1.0\n",
		map[string]string{"lib/libgreet.so": "embedded-data"}, nil, nil))
	require.NoError(t, err)
	helloPath := buildSignedArchive(t, t.TempDir(), "hello.lpk", "Name: hello\nVersion: 1.0\nRequires: libgreet(>=1.0)\n",
		map[string]string{"bin/hello": "bin"}, map[string][]byte{"libgreet-1.0.lpk": embeddedLibBytes}, nil)

	ins2 := newInstallerSharingManager(t, root, mgr)
	require.NoError(t, ins2.OpenFile(helloPath))
	require.NoError(t, ins2.Install(context.Background()))

	data, err := os.ReadFile(filepath.Join(root, "libgreet", "1.0", "data", "lib", "libgreet.so"))
	require.NoError(t, err)
	assert.Equal(t, "installed-data", string(data), "the already-installed copy must win over the embedded one")
}

func newInstallerSharingManager(t *testing.T, root string, mgr *manager.Manager) *Installer {
	t.Helper()
	return New(root, mgr, nil, nil, WithAllowInsecure(true))
}

func TestInstall_PrefersExtraOverRemote(t *testing.T) {
	root := t.TempDir()

	remotePath := buildSignedArchive(t, t.TempDir(), "libgreet-remote.lpk", "Name: libgreet\nVersion: 1.0\n",
		map[string]string{"lib/libgreet.so": "remote-data"}, nil, nil)
	remoteBytes, err := os.ReadFile(remotePath)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/libgreet-1.0.lpk", func(w http.ResponseWriter, r *http.Request) {
		w.Write(remoteBytes)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := cache.New(t.TempDir(), nil)
	setCacheIndex(c, "libgreet/1.0", srv.URL+"/libgreet-1.0.lpk")

	extraPath := buildSignedArchive(t, t.TempDir(), "libgreet-extra.lpk", "Name: libgreet\nVersion: 1.0\n",
		map[string]string{"lib/libgreet.so": "extra-data"}, nil, nil)

	mgr := manager.New(root)
	ins := New(root, mgr, c, nil, WithAllowInsecure(true), WithExtraPackages([]string{extraPath}))

	helloPath := buildSignedArchive(t, t.TempDir(), "hello.lpk", "Name: hello\nVersion: 1.0\nRequires: libgreet(>=1.0)\n",
		map[string]string{"bin/hello": "bin"}, nil, nil)
	require.NoError(t, ins.OpenFile(helloPath))
	require.NoError(t, ins.Install(context.Background()))

	data, err := os.ReadFile(filepath.Join(root, "libgreet", "1.0", "data", "lib", "libgreet.so"))
	require.NoError(t, err)
	assert.Equal(t, "extra-data", string(data), "the extra-packages map must win over a remote candidate")
}

func TestInstall_SignatureVerificationEnforced(t *testing.T) {
	root := t.TempDir()
	trustedKey, trustedArmored := generateTestKey(t)
	untrustedKey, _ := generateTestKey(t)

	kr := keyring.New(t.TempDir())
	_, err := kr.AddKnownKey(trustedArmored, trustedKey.GetFingerprint())
	require.NoError(t, err)

	badPath := buildSignedArchive(t, t.TempDir(), "hello.lpk", "Name: hello\nVersion: 1.0\n",
		map[string]string{"bin/hello": "bin"}, nil, untrustedKey)

	mgr := manager.New(root)
	ins := New(root, mgr, nil, nil, WithKeyring(kr))
	require.NoError(t, ins.OpenFile(badPath))

	err = ins.Install(context.Background())
	assert.Error(t, err, "a signature from an untrusted key must not verify")
}

func TestInstall_SignatureVerificationPasses(t *testing.T) {
	root := t.TempDir()
	key, armored := generateTestKey(t)

	kr := keyring.New(t.TempDir())
	_, err := kr.AddKnownKey(armored, key.GetFingerprint())
	require.NoError(t, err)

	goodPath := buildSignedArchive(t, t.TempDir(), "hello.lpk", "Name: hello\nVersion: 1.0\n",
		map[string]string{"bin/hello": "bin"}, nil, key)

	mgr := manager.New(root)
	ins := New(root, mgr, nil, nil, WithKeyring(kr))
	require.NoError(t, ins.OpenFile(goodPath))
	require.NoError(t, ins.Install(context.Background()))

	assertDirExists(t, filepath.Join(root, "hello", "1.0"))
}

func TestInstall_S2_FromRemote(t *testing.T) {
	root := t.TempDir()

	helloPath := buildSignedArchive(t, t.TempDir(), "hello.lpk", "Name: hello\nVersion: 1.0\n",
		map[string]string{"bin/hello": "hellobin"}, nil, nil)
	helloBytes, err := os.ReadFile(helloPath)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/hello-1.0.lpk", func(w http.ResponseWriter, r *http.Request) {
		w.Write(helloBytes)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := cache.New(t.TempDir(), nil)
	setCacheIndex(c, "hello/1.0", srv.URL+"/hello-1.0.lpk")

	mgr := manager.New(root)
	ins := New(root, mgr, c, nil, WithAllowInsecure(true))
	require.NoError(t, ins.OpenRemote(context.Background(), "hello/1.0"))
	require.NoError(t, ins.Install(context.Background()))

	assertDirExists(t, filepath.Join(root, "hello", "1.0"))
	data, err := os.ReadFile(filepath.Join(root, "hello", "1.0", "data", "bin", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "hellobin", string(data))
}

func assertDirExists(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

// setCacheIndex reaches into cache's unexported index map via Resolve's
// lazy-init path by writing a minimal index file and re-pointing cache
// at it; simplest is to use the unexported field directly since this
// test lives outside the cache package and cannot -- so instead we
// write a single-package available.index file to the cache root before
// any Resolve call triggers lazy load.
func setCacheIndex(c *cache.Cache, id, location string) {
	pki := pkginfo.PkgInfo{ID: id, RepoLocation: location}
	writeMinimalIndex(c.CacheRoot, pki)
}

func writeMinimalIndex(cacheRoot string, pki pkginfo.PkgInfo) {
	_ = os.MkdirAll(cacheRoot, 0o755)
	body := fmt.Sprintf("ID: %s\nName: %s\nVersion: %s\nRepoLocation: %s\n",
		pki.ID, pkiName(pki.ID), pkiVersion(pki.ID), pki.RepoLocation)
	_ = os.WriteFile(filepath.Join(cacheRoot, "available.index"), []byte(body), 0o644)
}

func pkiName(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return id[:i]
		}
	}
	return id
}

func pkiVersion(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return id[i+1:]
		}
	}
	return ""
}
