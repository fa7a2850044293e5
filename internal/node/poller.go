package node

import (
	"context"
	"time"

	"github.com/sevendeuce/monerodctl/internal/config"
	log "github.com/sirupsen/logrus"
)

// poll refreshes the status immediately and then every interval until ctx ends.
func (s *Service) poll(ctx context.Context) error {
	s.refresh(ctx)

	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug("status poller stopped")
			return nil
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// checkUpdates runs one update check shortly after start.
func (s *Service) checkUpdates(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(s.opts.UpdateCheckDelay):
	}
	s.CheckForUpdate(ctx)
	return nil
}

// watchSettings reports edits to the settings file until ctx ends. Edits
// take effect on the next start.
func (s *Service) watchSettings(ctx context.Context, w SettingsWatcher) error {
	if err := w.Watch(ctx, s.settingsChanged); err != nil {
		log.WithError(err).Warn("cannot watch node settings")
		return nil
	}
	<-ctx.Done()
	return nil
}

func (s *Service) settingsChanged(ns config.NodeSettings) {
	s.mu.Lock()
	applied := s.applied
	running := s.running
	s.mu.Unlock()
	if running && ns != applied {
		log.Info("node settings changed on disk; restart the node to apply them")
	}
}
