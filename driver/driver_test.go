package driver

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/quiverstack/splitcache/config"
	"github.com/quiverstack/splitcache/internal/persist"
	"github.com/quiverstack/splitcache/splitcache"
	"github.com/quiverstack/splitcache/splitid"
)

type fakeDownloader struct {
	mu          sync.Mutex
	downloaded  []splitid.ID
	bytesPerGet uint64
}

func (f *fakeDownloader) Download(ctx context.Context, id splitid.ID, storageURI string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloaded = append(f.downloaded, id)
	return f.bytesPerGet, nil
}

type fakeScrubber struct {
	mu      sync.Mutex
	deleted []splitid.ID
}

func (s *fakeScrubber) Delete(ctx context.Context, ids []splitid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ids...)
	return nil
}

// TestLoopDownloadsReportedSplit exercises the full reference loop: report
// a candidate, let the loop pick it up, confirm it ends up on disk.
func TestLoopDownloadsReportedSplit(t *testing.T) {
	table, err := splitcache.New(config.Limits{
		MaxNumBytes:            10 * datasize.MB,
		MaxNumSplits:           10,
		NumConcurrentDownloads: 2,
	}, nil, t.TempDir())
	if err != nil {
		t.Fatalf("splitcache.New: %v", err)
	}

	id, err := splitid.New()
	if err != nil {
		t.Fatalf("splitid.New: %v", err)
	}
	table.Report(id, "s3://bucket/split")

	downloader := &fakeDownloader{bytesPerGet: 1024}
	scrubber := &fakeScrubber{}
	log := persist.NewLogger(io.Discard, "[driver-test] ", false)

	loop := New(table, downloader, scrubber, log)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.After(time.Second)
	for {
		if table.NumOnDiskBytes() == 1024 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the loop to download the reported split")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done

	downloader.mu.Lock()
	defer downloader.mu.Unlock()
	if len(downloader.downloaded) != 1 || downloader.downloaded[0] != id {
		t.Fatalf("expected exactly one download of %v, got %v", id, downloader.downloaded)
	}
}

// TestLoopScrubsEvictedSplits checks that splits evicted to make room are
// handed to the Scrubber.
func TestLoopScrubsEvictedSplits(t *testing.T) {
	table, err := splitcache.New(config.Limits{
		MaxNumBytes:            500,
		MaxNumSplits:           100,
		NumConcurrentDownloads: 2,
	}, nil, t.TempDir())
	if err != nil {
		t.Fatalf("splitcache.New: %v", err)
	}

	coldID, err := splitid.New()
	if err != nil {
		t.Fatalf("splitid.New: %v", err)
	}
	table.RegisterAsDownloaded(coldID, 1000)

	time.Sleep(time.Millisecond)
	warmID, err := splitid.New()
	if err != nil {
		t.Fatalf("splitid.New: %v", err)
	}
	table.Report(warmID, "s3://bucket/split")
	table.Touch(warmID, "s3://bucket/split")

	downloader := &fakeDownloader{bytesPerGet: 1}
	scrubber := &fakeScrubber{}
	log := persist.NewLogger(io.Discard, "[driver-test] ", false)
	loop := New(table, downloader, scrubber, log)

	loop.tick(context.Background())

	scrubber.mu.Lock()
	defer scrubber.mu.Unlock()
	if len(scrubber.deleted) != 1 || scrubber.deleted[0] != coldID {
		t.Fatalf("expected the cold split to be scrubbed, got %v", scrubber.deleted)
	}
}
