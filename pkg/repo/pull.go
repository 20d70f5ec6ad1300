package repo

import (
	"fmt"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
)

// pullFanout bounds how many hashes one fetch request carries
const pullFanout = 256

// PullProgress receives transfer progress callbacks: objects fetched so
// far and the total planned. May be nil.
type PullProgress func(done, total int)

// PullResult summarizes one pull.
type PullResult struct {
	// Head is the remote head the local head was advanced to
	Head objecthash.Hash

	// Transferred counts objects actually fetched
	Transferred int
}

// Pull replicates from a peer: the remote head is read, objects the
// local store lacks are fetched in batches and installed, reference
// counts are recomputed, and only then does the local head advance.
// Failure at any step leaves the head untouched; objects already
// transferred remain as unreferenced cache.
func (r *LocalRepo) Pull(remote Repo, progress PullProgress) (*PullResult, error) {
	if err := r.checkWritable(); err != nil {
		return nil, err
	}

	remoteHead, err := remote.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to read remote head: %w", err)
	}

	remoteObjects, err := remote.ListObjects()
	if err != nil {
		return nil, fmt.Errorf("failed to list remote objects: %w", err)
	}

	var missing []objecthash.Hash
	for _, info := range remoteObjects {
		if !r.idx.Has(info.Hash) {
			missing = append(missing, info.Hash)
		}
	}

	transferred := 0
	for start := 0; start < len(missing); start += pullFanout {
		end := start + pullFanout
		if end > len(missing) {
			end = len(missing)
		}
		batch, err := remote.FetchObjects(missing[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to fetch objects: %w", err)
		}
		for _, po := range batch {
			if err := r.AddPackedObject(po); err != nil {
				return nil, err
			}
			transferred++
			if progress != nil {
				progress(transferred, len(missing))
			}
		}
	}

	if _, err := r.RecomputeRefCounts(); err != nil {
		return nil, err
	}

	if !remoteHead.IsEmpty() {
		if err := r.UpdateHead(remoteHead); err != nil {
			return nil, err
		}
	}

	return &PullResult{Head: remoteHead, Transferred: transferred}, nil
}
