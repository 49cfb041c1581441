// Package driver provides a reference implementation of the background
// loop that drives a split cache table: repeatedly asking it for a download
// opportunity, handing the deletions to a Scrubber and the download to a
// Downloader, and reporting the outcome back to the table. It is not part
// of the table's own contract -- the table never schedules downloads
// itself -- but it shows the intended usage end to end and is exercised by
// tests the same way the teacher's background workers are.
package driver

import (
	"context"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/threadgroup"

	"github.com/quiverstack/splitcache/internal/persist"
	"github.com/quiverstack/splitcache/splitcache"
	"github.com/quiverstack/splitcache/splitid"
)

// Downloader fetches the bytes for a single split from its storage URI and
// reports how many bytes were written. Implementations should respect ctx
// cancellation.
type Downloader interface {
	Download(ctx context.Context, splitID splitid.ID, storageURI string) (numBytes uint64, err error)
}

// Scrubber deletes split files that have been evicted from the cache.
// Deletions are best-effort from the table's point of view: a Scrubber
// failure does not roll back the eviction, since the table has already
// committed to it.
type Scrubber interface {
	Delete(ctx context.Context, splitIDs []splitid.ID) error
}

// pollInterval is how often the loop checks for a new download opportunity
// when the table has nothing to offer.
const pollInterval = 100 * time.Millisecond

// Loop polls a SplitTable for download opportunities and carries them out
// using a Downloader and Scrubber, until its context is cancelled or Close
// is called. Every iteration runs under the driver's threadgroup, matching
// the teacher's r.tg.Add()/defer r.tg.Done() convention for background
// work that must finish before shutdown completes.
type Loop struct {
	table      *splitcache.SplitTable
	downloader Downloader
	scrubber   Scrubber
	log        *persist.Logger

	tg threadgroup.ThreadGroup
}

// New constructs a Loop. Call Run to start it and Close to stop it.
func New(table *splitcache.SplitTable, downloader Downloader, scrubber Scrubber, log *persist.Logger) *Loop {
	return &Loop{
		table:      table,
		downloader: downloader,
		scrubber:   scrubber,
		log:        log,
	}
}

// Close stops the loop, blocking until any in-flight iteration has
// finished.
func (l *Loop) Close() error {
	return l.tg.Stop()
}

// Run drives the loop until ctx is cancelled or Close is called. It is
// meant to be invoked in its own goroutine by the caller.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.tg.Add(); err != nil {
		return err
	}
	defer l.tg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.tg.StopChan():
			return nil
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick runs a single iteration: claim one opportunity, if any, and act on
// it. Errors are logged rather than returned, since a single failed
// download or scrub should not halt the loop. On download failure the
// liveness token is released and the split stays Downloading until the
// table's abandoned-download GC sweep reclaims it. On delete failure the
// evicted files are left on disk; this reference loop does not retry them.
func (l *Loop) tick(ctx context.Context) {
	opportunity, ok := l.table.FindDownloadOpportunity()
	if !ok {
		return
	}

	if len(opportunity.SplitsToDelete) > 0 {
		if err := l.scrubber.Delete(ctx, opportunity.SplitsToDelete); err != nil {
			l.log.Debugln("failed to scrub evicted splits", err)
		}
	}

	split := opportunity.SplitToDownload
	defer split.Living.Release()

	numBytes, err := l.downloader.Download(ctx, split.SplitID, split.StorageURI)
	if err != nil {
		l.log.Debugln("failed to download split", split.SplitID, errors.AddContext(err, "download"))
		return
	}
	l.table.RegisterAsDownloaded(split.SplitID, numBytes)
}
