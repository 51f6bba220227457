package syncer

import (
	"context"
	"errors"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/coffersTech/sessionlog/internal/bridge"
	"github.com/coffersTech/sessionlog/internal/logstore"
)

// DefaultInterval is the pause between sync cycles.
const DefaultInterval = 5 * time.Second

// Store is the part of the log store the sync loop writes to.
type Store interface {
	Has(filename string) (bool, error)
	Stage(filename string) (string, error)
	Commit(filename string) error
	Discard(filename string)
}

// CycleResult summarizes one sync cycle.
type CycleResult struct {
	Listed  int   // .json names reported by the device
	Skipped int   // already present locally
	Pulled  int
	Failed  int
	ListErr error // set when the device listing failed
}

// Syncer mirrors JSON log files from a device folder into the log store.
type Syncer struct {
	bridge    bridge.Bridge
	store     Store
	remoteDir string
	interval  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Syncer pulling from remoteDir every interval.
func New(b bridge.Bridge, store Store, remoteDir string, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Syncer{
		bridge:    b,
		store:     store,
		remoteDir: remoteDir,
		interval:  interval,
	}
}

// Start runs the sync loop on its own goroutine until Stop is called or ctx
// is cancelled. Calling Start on a running Syncer does nothing.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		s.Run(ctx)
	}(s.done)
}

// Stop cancels the loop and waits for the current cycle to finish.
func (s *Syncer) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run performs a cycle immediately and then once per interval until ctx is
// done. A failed cycle never stops the loop.
func (s *Syncer) Run(ctx context.Context) {
	log.Printf("[Sync] Started. Remote: %s, Interval: %v", s.remoteDir, s.interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Sync] Stopped.")
			return
		case <-timer.C:
		}

		s.RunOnce(ctx)
		timer.Reset(s.interval)
	}
}

// RunOnce lists the device folder and pulls every .json file not yet stored.
func (s *Syncer) RunOnce(ctx context.Context) CycleResult {
	var res CycleResult

	entries, err := s.bridge.List(ctx, s.remoteDir)
	if err != nil {
		log.Printf("[Sync] Device listing failed: %v", err)
		res.ListErr = err
		return res
	}

	names := jsonNames(entries)
	res.Listed = len(names)
	log.Printf("[Sync] Found %d log files on device", len(names))

	for _, name := range names {
		if ctx.Err() != nil {
			break
		}

		exists, err := s.store.Has(name)
		if err != nil {
			log.Printf("[Sync] Cannot check %s: %v", name, err)
			res.Failed++
			continue
		}
		if exists {
			res.Skipped++
			continue
		}

		log.Printf("[Sync] New file detected: %s - attempting pull...", name)
		err = s.pull(ctx, name)
		if errors.Is(err, logstore.ErrExists) {
			log.Printf("[Sync] %s was stored concurrently, keeping existing copy", name)
			res.Skipped++
			continue
		}
		if err != nil {
			log.Printf("[Sync] Failed to pull %s: %v", name, err)
			res.Failed++
			continue
		}
		log.Printf("[Sync] Successfully pulled %s", name)
		res.Pulled++
	}
	return res
}

func (s *Syncer) pull(ctx context.Context, name string) error {
	staged, err := s.store.Stage(name)
	if err != nil {
		return err
	}
	if err := s.bridge.Pull(ctx, path.Join(s.remoteDir, name), staged); err != nil {
		s.store.Discard(name)
		return err
	}
	return s.store.Commit(name)
}

// jsonNames keeps the distinct plain .json filenames from a device listing.
func jsonNames(entries []string) []string {
	seen := make(map[string]bool, len(entries))
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if !strings.HasSuffix(e, logstore.Ext) || seen[e] {
			continue
		}
		if logstore.ValidName(e) != nil {
			continue
		}
		seen[e] = true
		names = append(names, e)
	}
	return names
}
