package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/burrowql/burrow/metadata"
	"github.com/burrowql/burrow/notify"
	"github.com/burrowql/burrow/store"
	"github.com/rs/zerolog/log"
)

// Syncer keeps this instance's schema cache in step with metadata changes
// committed by peers or local mutation APIs. Notifications are best-effort,
// so a fallback store poll runs on a fixed interval; both paths funnel into
// the same version-ordered apply.
type Syncer struct {
	store        *store.Store
	manager      *Manager
	notifier     notify.Notifier
	pollInterval time.Duration

	mu      sync.Mutex // serializes apply
	applied metadata.Version

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSyncer creates a metadata sync listener
func NewSyncer(st *store.Store, manager *Manager, notifier notify.Notifier, pollInterval time.Duration) *Syncer {
	return &Syncer{
		store:        st,
		manager:      manager,
		notifier:     notifier,
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// ApplyLatest fetches the newest stored metadata, rebuilds and publishes.
// Used both at startup (where a failure is fatal to the caller) and by the
// sync loop (where a failure is soft: the previous snapshot keeps serving).
func (s *Syncer) ApplyLatest(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.store.LatestMetadataVersion()
	if err != nil {
		// A fresh store has no metadata yet; that is a valid empty state,
		// not a failure
		if errors.Is(err, store.ErrNoMetadata) {
			return nil
		}
		return fmt.Errorf("failed to read latest metadata version: %w", err)
	}

	// Versions apply in increasing order only; stale notifications are no-ops
	if latest <= s.applied {
		return nil
	}

	raw, err := s.store.GetMetadata(latest)
	if err != nil {
		return fmt.Errorf("failed to fetch metadata version %d: %w", latest, err)
	}

	md, err := metadata.Parse(raw)
	if err != nil {
		return fmt.Errorf("failed to parse metadata version %d: %w", latest, err)
	}

	snap, err := s.manager.Rebuild(ctx, md, latest, s.manager.Current())
	if err != nil {
		return fmt.Errorf("failed to rebuild schema cache at version %d: %w", latest, err)
	}

	s.manager.Publish(snap)
	s.applied = latest
	return nil
}

// Submit validates and stores a new metadata document, applies it locally
// and notifies peers of the assigned version. The store assigns versions, so
// concurrent submitters on different instances serialize there.
func (s *Syncer) Submit(ctx context.Context, raw []byte) (metadata.Version, error) {
	if _, err := metadata.Parse(raw); err != nil {
		return 0, err
	}

	version, err := s.store.PutMetadata(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to store metadata: %w", err)
	}

	if err := s.ApplyLatest(ctx); err != nil {
		// The version is committed; peers and the fallback poll still pick
		// it up even though the local rebuild failed
		return version, err
	}

	s.notifier.Publish(version)
	log.Info().Int64("version", version).Msg("Metadata change submitted")
	return version, nil
}

// AppliedVersion returns the last metadata version this instance applied
func (s *Syncer) AppliedVersion() metadata.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// Start launches the sync loop
func (s *Syncer) Start() {
	go s.loop()
}

// Stop terminates the sync loop and waits for it to exit
func (s *Syncer) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Syncer) loop() {
	defer close(s.doneCh)

	versions, cancel := s.notifier.Subscribe()
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return

		case version, ok := <-versions:
			if !ok {
				// Notifier closed; the poll ticker keeps us eventually consistent
				versions = nil
				continue
			}
			if version <= s.AppliedVersion() {
				continue
			}
			s.apply("notification")

		case <-ticker.C:
			s.apply("poll")
		}
	}
}

func (s *Syncer) apply(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.pollInterval*2)
	defer cancel()

	if err := s.ApplyLatest(ctx); err != nil {
		// Soft failure: report and keep serving the previous snapshot
		log.Error().Err(err).Str("trigger", reason).Msg("Metadata sync failed, previous snapshot continues serving")
	}
}
