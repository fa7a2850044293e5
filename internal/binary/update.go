package binary

import (
	"context"
	"errors"
	"fmt"
	"os"

	apperrors "github.com/sevendeuce/monerodctl/internal/errors"
	"github.com/sevendeuce/monerodctl/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// Update downloads the latest release and replaces the writable install.
// The previous binary is kept as monerod.backup until the new one has been
// installed and answered --version; any failure after that point restores
// it and ends the stream with an UPDATE_ROLLBACK error. The stream is
// Downloading, Progress, optionally Verifying, Extracting, then Updated or Error.
func (m *Manager) Update(ctx context.Context) (<-chan Status, error) {
	if !m.busy.TryLock() {
		return nil, apperrors.Busy("update")
	}

	out := make(chan Status, statusBufferSz)
	go func() {
		defer m.busy.Unlock()
		defer close(out)

		version, err := m.update(ctx, out)
		if err != nil {
			log.WithError(err).Error("monerod update failed")
			metrics.RecordArtifactOperation("update", "error")
			Finish(ctx, out, errorStatus(err))
			return
		}
		metrics.RecordArtifactOperation("update", "ok")
		log.WithField("version", version).Info("monerod updated")
		Finish(ctx, out, Status{Kind: StatusUpdated, Version: version})
	}()
	return out, nil
}

func (m *Manager) update(ctx context.Context, out chan<- Status) (string, error) {
	archive, err := m.fetch(ctx, out)
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(archive) }()

	bin := m.BinaryPath()
	backup := bin + backupSuffix
	hadBinary := isRegularFile(bin)
	if hadBinary {
		if err := copyFile(bin, backup, 0o755); err != nil {
			return "", apperrors.UpdateRollback("backup failed", err)
		}
	}

	send(ctx, out, Status{Kind: StatusExtracting})
	err = m.extractAndInstall(ctx, archive)
	var version string
	if err == nil {
		version, err = BinaryVersion(ctx, bin)
		if err != nil {
			err = apperrors.VerificationFailed(err)
		}
	}
	if err != nil {
		reason := "extraction failed"
		if apperrors.HasCode(err, apperrors.CodeVerificationFailed) {
			reason = "new binary failed to run"
		}
		if hadBinary {
			if rbErr := m.rollback(bin, backup); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("restore backup: %w", rbErr))
			}
		} else {
			_ = os.Remove(bin)
		}
		return "", apperrors.UpdateRollback(reason, err)
	}

	if hadBinary {
		if err := os.Remove(backup); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warn("failed to remove monerod backup")
		}
	}
	return version, nil
}

// rollback puts backup back in place of bin and restores its exec bit.
func (m *Manager) rollback(bin, backup string) error {
	log.WithField("path", bin).Warn("restoring previous monerod")
	if err := copyFile(backup, bin, 0o755); err != nil {
		return err
	}
	if err := makeExecutable(bin); err != nil {
		return err
	}
	return os.Remove(backup)
}
