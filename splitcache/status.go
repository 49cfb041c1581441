package splitcache

import (
	"github.com/quiverstack/splitcache/internal/token"
	"github.com/quiverstack/splitcache/splitid"
)

// Status is the tagged-variant status of a split known to the table. It has
// exactly three implementations: CandidateStatus, DownloadingStatus, and
// OnDiskStatus. Callers type-switch on it; the table never exposes any
// other implementation.
type Status interface {
	isStatus()
}

// CandidateStatus means the split is known to exist upstream but has not
// been downloaded.
type CandidateStatus struct {
	StorageURI string
	Living     token.Liveness
}

// DownloadingStatus means a download is currently in progress. Alive is a
// weak observer of the Liveness token handed to the caller by
// StartDownload; once the caller releases it, the download is eligible for
// abandoned-download GC.
type DownloadingStatus struct {
	Alive token.Weak
}

// OnDiskStatus means the split's file is present in the cache directory.
type OnDiskStatus struct {
	NumBytes uint64
}

func (CandidateStatus) isStatus()   {}
func (DownloadingStatus) isStatus() {}
func (OnDiskStatus) isStatus()      {}

// splitInfo is the full record the table keeps for one split: its sort key
// plus its current status. It is never exposed outside the package; callers
// see only Status values and SplitKeys.
type splitInfo struct {
	key    SplitKey
	status Status
}

// CandidateSplit is what StartDownload hands back to the caller on success:
// enough information to actually go fetch the split, plus the strong
// liveness token the caller must Release when the download finishes, fails,
// or is cancelled.
type CandidateSplit struct {
	SplitID    splitid.ID
	StorageURI string
	Living     token.Liveness
}

// DownloadOpportunity is the atomic decision FindDownloadOpportunity
// computes: a set of splits the caller should delete from disk, and a
// single split the caller should now download. At the point this is
// returned, the table has already applied both the evictions and the
// promotion to Downloading -- the caller's job is purely to carry out the
// I/O and eventually call RegisterAsDownloaded (or simply release the
// liveness token on failure).
type DownloadOpportunity struct {
	SplitsToDelete  []splitid.ID
	SplitToDownload CandidateSplit
}
