package binary

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHashes(t *testing.T, text string) (signed, publicKey []byte) {
	t.Helper()
	entity, err := openpgp.NewEntity("release signer", "", "signer@example.org", nil)
	require.NoError(t, err)

	var sig bytes.Buffer
	w, err := clearsign.Encode(&sig, entity.PrivateKey, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte(text))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var pub bytes.Buffer
	aw, err := armor.Encode(&pub, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(aw))
	require.NoError(t, aw.Close())
	return sig.Bytes(), pub.Bytes()
}

func TestVerifyHashesFile(t *testing.T) {
	sum := sha256.Sum256([]byte("archive"))
	text := "# This GPG-signed message exists to confirm the SHA256 sums of Monero binaries.\n" +
		"## CLI\n" + hex.EncodeToString(sum[:]) + "  monero-linux-x64-v0.18.4.0.tar.bz2\n"
	signed, pub := signHashes(t, text)

	sums, err := VerifyHashesFile(signed, pub)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), sums["monero-linux-x64-v0.18.4.0.tar.bz2"])
	assert.Len(t, sums, 1)

	tampered := bytes.Replace(signed, []byte("monero-linux-x64"), []byte("monero-linux-x86"), 1)
	_, err = VerifyHashesFile(tampered, pub)
	assert.Error(t, err)

	_, err = VerifyHashesFile([]byte(text), pub)
	assert.Error(t, err)
}

func TestVerifyChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive")
	require.NoError(t, os.WriteFile(path, []byte("archive"), 0o644))
	sum := sha256.Sum256([]byte("archive"))

	assert.NoError(t, VerifyChecksum(path, hex.EncodeToString(sum[:])))
	assert.Error(t, VerifyChecksum(path, "deadbeef"))
}

func TestParseHashes_SkipsNoise(t *testing.T) {
	sums := parseHashes([]byte("# comment\n\nnot a hash line\n" +
		"zz" + string(bytes.Repeat([]byte("0"), 62)) + "  bad.tar\n"))
	assert.Empty(t, sums)
}
