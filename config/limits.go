// Package config defines the tunable limits that bound a split cache
// table's local disk footprint and download concurrency.
package config

import (
	"github.com/c2h5oh/datasize"
	"gitlab.com/NebulousLabs/errors"
)

// Limits bounds the resources a split cache table is allowed to consume.
// All three fields are hard requirements; use Validate after decoding a
// Limits from configuration to catch a zero-value mistake before it turns
// into a permanently-empty or permanently-full cache.
type Limits struct {
	// MaxNumBytes is the hard upper bound on the sum of on-disk split
	// sizes. The cache may exceed it transiently by at most one split
	// while a download is in flight.
	MaxNumBytes datasize.ByteSize

	// MaxNumSplits is the hard upper bound on |on_disk| + |downloading|.
	MaxNumSplits uint32

	// NumConcurrentDownloads is the expected steady-state number of
	// simultaneous downloads. It is not enforced directly -- it only
	// sizes the threshold at which the downloading queue is scanned for
	// abandoned entries (NumConcurrentDownloads + 10).
	NumConcurrentDownloads uint32
}

// Validate returns an error describing the first invalid field, or nil if
// limits describes a usable cache.
func (l Limits) Validate() error {
	if l.MaxNumBytes == 0 {
		return errors.New("max_num_bytes must be greater than zero")
	}
	if l.MaxNumSplits == 0 {
		return errors.New("max_num_splits must be greater than zero")
	}
	if l.NumConcurrentDownloads == 0 {
		return errors.New("num_concurrent_downloads must be greater than zero")
	}
	return nil
}

// DownloadingGCThreshold is the size the downloading queue must exceed
// before an abandoned-download GC sweep is triggered. The +10 headroom
// gives real in-flight downloads a wide berth so a legitimately slow
// download is never mistaken for an abandoned one.
func (l Limits) DownloadingGCThreshold() int {
	return int(l.NumConcurrentDownloads) + 10
}
