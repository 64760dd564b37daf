package launcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limba-pkg/limba/internal/pkginfo"
	"github.com/limba-pkg/limba/internal/runtime"
)

func TestSplitInvocation_Valid(t *testing.T) {
	pkgID, relExe, err := splitInvocation("hello/1.0:bin/hello")
	require.NoError(t, err)
	assert.Equal(t, "hello/1.0", pkgID)
	assert.Equal(t, "bin/hello", relExe)
}

func TestSplitInvocation_UsesLastColon(t *testing.T) {
	pkgID, relExe, err := splitInvocation("hello/1.0:bin/sub:tool")
	require.NoError(t, err)
	assert.Equal(t, "hello/1.0:bin/sub", pkgID)
	assert.Equal(t, "tool", relExe)
}

func TestSplitInvocation_Malformed(t *testing.T) {
	cases := []string{"noColon", ":bin/hello", "hello/1.0:", ""}
	for _, c := range cases {
		_, _, err := splitInvocation(c)
		assert.Error(t, err, "input %q should be malformed", c)
	}
}

func TestSanitizeScopeName(t *testing.T) {
	assert.Equal(t, "hello-1-0", sanitizeScopeName("hello/1.0"))
	assert.Equal(t, "org-example-app-2-3-1", sanitizeScopeName("org.example.app/2.3.1"))
}

func TestReadControl_ParsesFields(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "hello", "1.0")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "control"),
		[]byte("Name: hello\nVersion: 1.0\nRuntime: some-uuid\n"), 0o644))

	pki, err := readControl(root, "hello/1.0")
	require.NoError(t, err)
	assert.Equal(t, "hello", pki.Name)
	assert.Equal(t, "some-uuid", pki.RuntimeUUID)
}

func TestReadControl_MissingPackageErrors(t *testing.T) {
	root := t.TempDir()
	_, err := readControl(root, "nonesuch/1.0")
	assert.Error(t, err)
}

func TestReadControl_InvalidIDErrors(t *testing.T) {
	root := t.TempDir()
	_, err := readControl(root, "no-slash-here")
	assert.Error(t, err)
}

func TestLoadRuntimeFor_NoRuntimeUUID(t *testing.T) {
	l := New(t.TempDir(), "/app")
	_, err := l.loadRuntimeFor(pkginfo.PkgInfo{ID: "hello/1.0"})
	assert.Error(t, err)
}

func TestLoadRuntimeFor_LoadsPersistedRuntime(t *testing.T) {
	root := t.TempDir()
	rt, err := runtime.Create([]string{"libgreet/1.0"})
	require.NoError(t, err)
	require.NoError(t, rt.Save(root))

	l := New(root, "/app")
	loaded, err := l.loadRuntimeFor(pkginfo.PkgInfo{ID: "hello/1.0", RuntimeUUID: rt.UUID})
	require.NoError(t, err)
	assert.Equal(t, []string{"libgreet/1.0"}, loaded.Members)
}

func TestAdjustEnv_PrependsExistingVars(t *testing.T) {
	l := New(t.TempDir(), "/app")
	env := []string{"PATH=/usr/bin", "LD_LIBRARY_PATH=/usr/lib", "HOME=/root"}

	out := l.adjustEnv(env)
	assertHasVar(t, out, "PATH", "/app/bin:/usr/bin")
	assertHasVar(t, out, "LD_LIBRARY_PATH", "/app/lib:/usr/lib")
	assertHasVar(t, out, "HOME", "/root")
}

func TestAdjustEnv_AddsMissingVars(t *testing.T) {
	l := New(t.TempDir(), "/app")
	out := l.adjustEnv([]string{"HOME=/root"})
	assertHasVar(t, out, "PATH", "/app/bin")
	assertHasVar(t, out, "LD_LIBRARY_PATH", "/app/lib")
}

func assertHasVar(t *testing.T, env []string, name, value string) {
	t.Helper()
	for _, kv := range env {
		if kv == name+"="+value {
			return
		}
	}
	t.Errorf("env does not contain %s=%s: %v", name, value, env)
}
