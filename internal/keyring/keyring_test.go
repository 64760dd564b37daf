package keyring

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestKey(t *testing.T) (*crypto.Key, string) {
	t.Helper()
	key, err := crypto.GenerateKey("Test", "test@example.com", "rsa", 2048)
	require.NoError(t, err)
	armored, err := key.Armor()
	require.NoError(t, err)
	return key, armored
}

func sign(t *testing.T, key *crypto.Key, cleartext []byte) []byte {
	t.Helper()
	keyRing, err := crypto.NewKeyRing(key)
	require.NoError(t, err)
	sig, err := keyRing.SignDetached(crypto.NewPlainMessage(cleartext))
	require.NoError(t, err)
	armored, err := sig.GetArmored()
	require.NoError(t, err)
	return []byte(armored)
}

func TestNew_EmptyDir(t *testing.T) {
	k := New(t.TempDir())
	assert.Empty(t, k.trusted)
}

func TestNew_MissingDir(t *testing.T) {
	k := New(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Empty(t, k.trusted)
}

func TestNew_LoadsTrustedKeys(t *testing.T) {
	dir := t.TempDir()
	key, armored := generateTestKey(t)
	fp := key.GetFingerprint()

	require.NoError(t, os.WriteFile(filepath.Join(dir, fp+".asc"), []byte(armored), 0o600))

	k := New(dir)
	require.Len(t, k.trusted, 1)
}

func TestVerifyDetached_TrustedKey(t *testing.T) {
	dir := t.TempDir()
	key, armored := generateTestKey(t)
	fp := key.GetFingerprint()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fp+".asc"), []byte(armored), 0o600))

	k := New(dir)
	cleartext := []byte("deadbeef\tpayload.tar.zst\n")
	signature := sign(t, key, cleartext)

	level, signer, err := k.VerifyDetached(cleartext, signature)
	require.NoError(t, err)
	assert.Equal(t, TrustHigh, level)
	assert.Equal(t, k.trusted[0].fingerprint, signer)
}

func TestVerifyDetached_KnownKey(t *testing.T) {
	k := New(t.TempDir())
	key, armored := generateTestKey(t)

	fp, err := k.AddKnownKey(armored, key.GetFingerprint())
	require.NoError(t, err)

	cleartext := []byte("deadbeef\tcontrol\n")
	signature := sign(t, key, cleartext)

	level, signer, err := k.VerifyDetached(cleartext, signature)
	require.NoError(t, err)
	assert.Equal(t, TrustMedium, level)
	assert.Equal(t, fp, signer)
}

func TestAddKnownKey_FingerprintMismatch(t *testing.T) {
	k := New(t.TempDir())
	_, armored := generateTestKey(t)

	_, err := k.AddKnownKey(armored, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	assert.Error(t, err)
}

func TestVerifyDetached_ObservedKey(t *testing.T) {
	k := New(t.TempDir())
	key, armored := generateTestKey(t)

	_, err := k.AddObservedKey(armored)
	require.NoError(t, err)

	cleartext := []byte("deadbeef\tcontrol\n")
	signature := sign(t, key, cleartext)

	level, _, err := k.VerifyDetached(cleartext, signature)
	require.NoError(t, err)
	assert.Equal(t, TrustLow, level)
}

func TestVerifyDetached_PrefersHigherTrust(t *testing.T) {
	dir := t.TempDir()
	key, armored := generateTestKey(t)
	fp := key.GetFingerprint()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fp+".asc"), []byte(armored), 0o600))

	k := New(dir)
	_, err := k.AddObservedKey(armored)
	require.NoError(t, err)

	cleartext := []byte("deadbeef\tcontrol\n")
	signature := sign(t, key, cleartext)

	level, _, err := k.VerifyDetached(cleartext, signature)
	require.NoError(t, err)
	assert.Equal(t, TrustHigh, level)
}

func TestVerifyDetached_NoMatchingKey(t *testing.T) {
	k := New(t.TempDir())
	signerKey, _ := generateTestKey(t)

	cleartext := []byte("deadbeef\tcontrol\n")
	signature := sign(t, signerKey, cleartext)

	level, _, err := k.VerifyDetached(cleartext, signature)
	assert.Error(t, err)
	assert.Equal(t, TrustNone, level)
}

func TestVerifyDetached_WrongKeyDoesNotVerify(t *testing.T) {
	dir := t.TempDir()
	trustedKey, trustedArmored := generateTestKey(t)
	fp := trustedKey.GetFingerprint()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fp+".asc"), []byte(trustedArmored), 0o600))

	k := New(dir)

	otherKey, _ := generateTestKey(t)
	cleartext := []byte("deadbeef\tcontrol\n")
	signature := sign(t, otherKey, cleartext)

	level, _, err := k.VerifyDetached(cleartext, signature)
	assert.Error(t, err)
	assert.Equal(t, TrustNone, level)
}

func TestTrustLevel_String(t *testing.T) {
	assert.Equal(t, "none", TrustNone.String())
	assert.Equal(t, "low", TrustLow.String())
	assert.Equal(t, "medium", TrustMedium.String())
	assert.Equal(t, "high", TrustHigh.String())
}

func TestParseManifestLines(t *testing.T) {
	cleartext := []byte(
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855\tcontrol\n" +
			"6e340b9cffb37a989ca544e6bb780a2c78901d3fb33738768511a30617afa01d\tpayload.tar.zst\n",
	)

	entries, err := ParseManifestLines(cleartext)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "control", entries[0].Path)
	assert.Equal(t, "payload.tar.zst", entries[1].Path)
}

func TestParseManifestLines_SkipsTrailingBlankLine(t *testing.T) {
	cleartext := []byte("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855\tcontrol\n\n")
	entries, err := ParseManifestLines(cleartext)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestParseManifestLines_MissingTab(t *testing.T) {
	_, err := ParseManifestLines([]byte("not-a-valid-line"))
	assert.Error(t, err)
}

func TestParseManifestLines_BadDigestLength(t *testing.T) {
	_, err := ParseManifestLines([]byte("abc\tcontrol\n"))
	assert.Error(t, err)
}

func TestParseManifestLines_EmptyPath(t *testing.T) {
	digest := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	_, err := ParseManifestLines([]byte(digest + "\t\n"))
	assert.Error(t, err)
}
