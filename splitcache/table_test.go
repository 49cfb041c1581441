package splitcache

import (
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"gitlab.com/NebulousLabs/fastrand"

	"github.com/quiverstack/splitcache/config"
	"github.com/quiverstack/splitcache/splitid"
)

func testLimits() config.Limits {
	return config.Limits{
		MaxNumBytes:            10 * datasize.MB,
		MaxNumSplits:           10,
		NumConcurrentDownloads: 2,
	}
}

func newTestTable(t *testing.T) *SplitTable {
	t.Helper()
	table, err := New(testLimits(), nil, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return table
}

func newID(t *testing.T) splitid.ID {
	t.Helper()
	id, err := splitid.New()
	if err != nil {
		t.Fatalf("splitid.New: %v", err)
	}
	return id
}

// TestReportThenDownloadThenAcknowledge exercises the full life cycle of a
// single split: reported as a candidate, picked up as a download
// opportunity, and finally acknowledged as on disk.
func TestReportThenDownloadThenAcknowledge(t *testing.T) {
	table := newTestTable(t)
	id := newID(t)

	table.Report(id, "s3://bucket/split")

	opp, ok := table.FindDownloadOpportunity()
	if !ok {
		t.Fatal("expected a download opportunity")
	}
	if opp.SplitToDownload.SplitID != id {
		t.Fatalf("got split %v, want %v", opp.SplitToDownload.SplitID, id)
	}
	if len(opp.SplitsToDelete) != 0 {
		t.Fatalf("expected no evictions on an empty cache, got %v", opp.SplitsToDelete)
	}

	table.RegisterAsDownloaded(id, 1024)
	if got := table.NumOnDiskBytes(); got != 1024 {
		t.Fatalf("NumOnDiskBytes() = %d, want 1024", got)
	}
}

// TestReportIsNoopWhenAlreadyKnown checks that reporting a split that is
// already Downloading does not reset its liveness or status.
func TestReportIsNoopWhenAlreadyKnown(t *testing.T) {
	table := newTestTable(t)
	id := newID(t)

	table.Report(id, "s3://bucket/split")
	split, ok := table.StartDownload(id)
	if !ok {
		t.Fatal("expected StartDownload to succeed")
	}
	defer split.Living.Release()

	table.Report(id, "s3://bucket/split-again")

	if _, ok := table.StartDownload(id); ok {
		t.Fatal("StartDownload should fail: split is already downloading")
	}
}

// TestPrefersLastTouched mirrors the original's
// test_split_table_prefer_last_touched: among several candidates, the
// download opportunity picked is always the most recently touched one.
func TestPrefersLastTouched(t *testing.T) {
	table := newTestTable(t)

	var ids []splitid.ID
	for i := 0; i < 3; i++ {
		id := newID(t)
		ids = append(ids, id)
		table.Report(id, "s3://bucket/split")
	}

	// Touch the last one most recently.
	time.Sleep(time.Millisecond)
	table.Touch(ids[2], "s3://bucket/split")

	opp, ok := table.FindDownloadOpportunity()
	if !ok {
		t.Fatal("expected a download opportunity")
	}
	if opp.SplitToDownload.SplitID != ids[2] {
		t.Fatalf("got %v, want most recently touched %v", opp.SplitToDownload.SplitID, ids[2])
	}
}

// TestStartDownloadPreventsNewReport mirrors the original's
// test_split_table_prefer_start_download_prevent_new_report: once a split
// is Downloading, FindDownloadOpportunity must not pick it again, even if
// it is the only candidate -- because it no longer is one.
func TestStartDownloadPreventsNewReport(t *testing.T) {
	table := newTestTable(t)
	id := newID(t)
	table.Report(id, "s3://bucket/split")

	opp, ok := table.FindDownloadOpportunity()
	if !ok {
		t.Fatal("expected first download opportunity")
	}
	defer opp.SplitToDownload.Living.Release()

	if _, ok := table.FindDownloadOpportunity(); ok {
		t.Fatal("expected no further opportunity: the only split is already downloading")
	}
}

// TestEvictionDueToSize mirrors test_eviction_due_to_size: admitting a new
// split evicts the coldest on-disk splits until the byte budget is
// satisfied.
func TestEvictionDueToSize(t *testing.T) {
	table, err := New(config.Limits{
		MaxNumBytes:            500,
		MaxNumSplits:           100,
		NumConcurrentDownloads: 2,
	}, nil, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	coldID := newID(t)
	// Well over the 500-byte limit regardless of the random jitter, so the
	// split is always out of limits on its own.
	coldSize := uint64(600 + fastrand.Intn(500))
	table.RegisterAsDownloaded(coldID, coldSize)

	time.Sleep(time.Millisecond)

	warmCandidate := newID(t)
	table.Report(warmCandidate, "s3://bucket/split")
	table.Touch(warmCandidate, "s3://bucket/split")

	opp, ok := table.FindDownloadOpportunity()
	if !ok {
		t.Fatal("expected an opportunity once the cold split is evicted")
	}
	found := false
	for _, id := range opp.SplitsToDelete {
		if id == coldID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %v among evicted splits, got %v", coldID, opp.SplitsToDelete)
	}
}

// TestEvictionDueToNumSplits mirrors test_eviction_due_to_num_splits: the
// split-count bound is enforced independently of the byte bound.
func TestEvictionDueToNumSplits(t *testing.T) {
	table, err := New(config.Limits{
		MaxNumBytes:            1 << 30,
		MaxNumSplits:           1,
		NumConcurrentDownloads: 2,
	}, nil, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	coldID := newID(t)
	table.RegisterAsDownloaded(coldID, uint64(1+fastrand.Intn(1000)))
	coldID2 := newID(t)
	table.RegisterAsDownloaded(coldID2, uint64(1+fastrand.Intn(1000)))

	time.Sleep(time.Millisecond)

	warmCandidate := newID(t)
	table.Report(warmCandidate, "s3://bucket/split")
	table.Touch(warmCandidate, "s3://bucket/split")

	opp, ok := table.FindDownloadOpportunity()
	if !ok {
		t.Fatal("expected an opportunity once a cold split is evicted")
	}
	// Two on disk against a bound of one: a single eviction brings
	// |on_disk| + |downloading| back to the bound.
	if len(opp.SplitsToDelete) != 1 {
		t.Fatalf("expected to evict exactly one cold split, got %v", opp.SplitsToDelete)
	}
}

// TestEvictionRefusesToDisplaceWarmerSplit checks that make-room never
// evicts a split warmer than the candidate trying to get in, even if that
// means the candidate cannot be admitted at all.
func TestEvictionRefusesToDisplaceWarmerSplit(t *testing.T) {
	table, err := New(config.Limits{
		MaxNumBytes:            500,
		MaxNumSplits:           100,
		NumConcurrentDownloads: 2,
	}, nil, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	warmID := newID(t)
	table.RegisterAsDownloaded(warmID, 1000)
	table.Touch(warmID, "")

	time.Sleep(time.Millisecond)

	// Back-dated candidate: colder than the already-warm on-disk split.
	coldCandidate := newID(t)
	table.Report(coldCandidate, "s3://bucket/split")

	if _, ok := table.FindDownloadOpportunity(); ok {
		t.Fatal("expected no opportunity: admitting the candidate would require evicting a warmer split")
	}
}

// TestFailedDownloadCanBeReReported mirrors
// test_failed_download_can_be_re_reported: once a download's liveness token
// is released without ever calling RegisterAsDownloaded, the table must
// eventually reclaim the slot so the split can be retried.
func TestFailedDownloadCanBeReReported(t *testing.T) {
	table, err := New(config.Limits{
		MaxNumBytes:            1 << 30,
		MaxNumSplits:           1 << 30,
		NumConcurrentDownloads: 1,
	}, nil, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Push the downloading queue past the GC threshold with abandoned
	// downloads, then confirm the table reclaims them.
	threshold := table.limits.DownloadingGCThreshold()
	var abandoned []splitid.ID
	for i := 0; i <= threshold; i++ {
		id := newID(t)
		abandoned = append(abandoned, id)
		table.Report(id, "s3://bucket/split")
		split, ok := table.StartDownload(id)
		if !ok {
			t.Fatalf("StartDownload(%v) failed", id)
		}
		split.Living.Release() // simulate a crashed downloader
	}

	// The sweep has already fired inside the loop, on the StartDownload that
	// took the queue past the threshold, and reclaimed every entry released
	// before it, abandoned[0] included. One more report/start-download cycle
	// must still succeed afterwards.
	trigger := newID(t)
	table.Report(trigger, "s3://bucket/split")
	if _, ok := table.StartDownload(trigger); !ok {
		t.Fatalf("StartDownload(%v) failed", trigger)
	}

	table.mu.Lock()
	_, stillTracked := table.statusIndex[abandoned[0]]
	table.mu.Unlock()
	if stillTracked {
		t.Fatalf("expected abandoned download %v to be GC'd", abandoned[0])
	}
}

// TestTruncateCandidates mirrors test_split_table_truncate_candidates: the
// candidate queue is capped, and reporting past the cap evicts the coldest
// candidates rather than growing unbounded.
func TestTruncateCandidates(t *testing.T) {
	table := newTestTable(t)

	for i := 0; i < maxNumCandidates+10; i++ {
		table.Report(newID(t), "s3://bucket/split")
	}

	if got := table.NumCandidates(); got != maxNumCandidates {
		t.Fatalf("NumCandidates() = %d, want %d", got, maxNumCandidates)
	}
}

// TestTouchUnknownSplitInsertsCandidate checks that Touch on a split the
// table has never heard of inserts it as a fresh candidate rather than
// being a no-op.
func TestTouchUnknownSplitInsertsCandidate(t *testing.T) {
	table := newTestTable(t)
	id := newID(t)

	status := table.Touch(id, "s3://bucket/split")
	if _, ok := status.(CandidateStatus); !ok {
		t.Fatalf("Touch on unknown split returned %T, want CandidateStatus", status)
	}
}

// TestAcknowledgeOnDiskSeedsColdEntries checks that New seeds pre-existing
// on-disk splits with the coldest possible timestamp, so they are evicted
// ahead of anything touched this session.
func TestAcknowledgeOnDiskSeedsColdEntries(t *testing.T) {
	preExistingID := newID(t)
	table, err := New(config.Limits{
		MaxNumBytes:            500,
		MaxNumSplits:           100,
		NumConcurrentDownloads: 2,
	}, map[splitid.ID]uint64{preExistingID: 1000}, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	time.Sleep(time.Millisecond)
	freshCandidate := newID(t)
	table.Report(freshCandidate, "s3://bucket/split")
	table.Touch(freshCandidate, "s3://bucket/split")

	opp, ok := table.FindDownloadOpportunity()
	if !ok {
		t.Fatal("expected the pre-existing split to be evicted to make room")
	}
	if len(opp.SplitsToDelete) != 1 || opp.SplitsToDelete[0] != preExistingID {
		t.Fatalf("expected to evict pre-existing split %v, got %v", preExistingID, opp.SplitsToDelete)
	}
}
