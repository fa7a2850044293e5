package binary

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	apperrors "github.com/sevendeuce/monerodctl/internal/errors"
	log "github.com/sirupsen/logrus"
)

// verify checks archivePath against the clearsigned hashes list.
func (m *Manager) verify(ctx context.Context, archivePath, fileName string) error {
	keyData, err := os.ReadFile(m.opts.SigningKeyFile)
	if err != nil {
		return apperrors.VerificationFailed(fmt.Errorf("read signing key: %w", err))
	}
	hashes, err := m.fetchHashes(ctx)
	if err != nil {
		return apperrors.VerificationFailed(err)
	}
	sums, err := VerifyHashesFile(hashes, keyData)
	if err != nil {
		return apperrors.VerificationFailed(err)
	}
	want, ok := sums[fileName]
	if !ok {
		return apperrors.VerificationFailed(fmt.Errorf("no checksum listed for %s", fileName))
	}
	if err := VerifyChecksum(archivePath, want); err != nil {
		return apperrors.VerificationFailed(err)
	}
	log.WithField("file", fileName).Info("release signature and checksum verified")
	return nil
}

func (m *Manager) fetchHashes(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.opts.HashesURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", m.userAgent)
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch hashes: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch hashes: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// VerifyHashesFile checks the clearsigned hashes file against the armored
// public key and returns the listed SHA-256 sums keyed by file name.
func VerifyHashesFile(clearsigned, armoredKey []byte) (map[string]string, error) {
	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armoredKey))
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := clearsign.Decode(clearsigned)
	if block == nil {
		return nil, errors.New("hashes file is not clearsigned")
	}
	if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil); err != nil {
		return nil, fmt.Errorf("bad signature: %w", err)
	}
	return parseHashes(block.Plaintext), nil
}

// parseHashes reads "<sha256>  <file>" lines, skipping comments.
func parseHashes(text []byte) map[string]string {
	sums := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 || len(fields[0]) != sha256.Size*2 {
			continue
		}
		if _, err := hex.DecodeString(fields[0]); err != nil {
			continue
		}
		sums[strings.TrimPrefix(fields[1], "*")] = strings.ToLower(fields[0])
	}
	return sums
}

// VerifyChecksum compares the SHA-256 of path with the expected hex digest.
func VerifyChecksum(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(actual, strings.TrimSpace(expected)) {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}
