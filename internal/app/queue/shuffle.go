package queue

import (
	"math/rand/v2"

	"github.com/osa030/djbox/internal/domain/settings"
	"github.com/osa030/djbox/internal/domain/track"
)

// View is the read-only input of NextIndex.
type View struct {
	Candidates []track.QueuedTrack // Pending tracks in insertion order
	Recent     []string            // Recently played track IDs, most recent last
	LastPlayed string              // ID of the track that just finished
}

// NextIndex picks the index into view.Candidates that plays next.
// It returns -1 when there are no candidates.
//
// ShuffleOff is FIFO. ShuffleFull draws uniformly. ShuffleSmart never picks
// the just-played track while another candidate exists, prefers tracks that
// are not among the recently played IDs, and weights the remaining tracks
// linearly by how recently they were added.
func NextIndex(view View, mode settings.ShuffleMode, rng *rand.Rand) int {
	n := len(view.Candidates)
	if n == 0 {
		return -1
	}
	if n == 1 || mode == settings.ShuffleOff {
		return 0
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if mode == settings.ShuffleFull {
		return rng.IntN(n)
	}
	return smartIndex(view, rng)
}

func smartIndex(view View, rng *rand.Rand) int {
	eligible := make([]int, 0, len(view.Candidates))
	for i, c := range view.Candidates {
		if c.Track.ID != view.LastPlayed {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		return rng.IntN(len(view.Candidates))
	}

	recent := make(map[string]struct{}, len(view.Recent))
	for _, id := range view.Recent {
		recent[id] = struct{}{}
	}
	fresh := make([]int, 0, len(eligible))
	for _, i := range eligible {
		if _, ok := recent[view.Candidates[i].Track.ID]; !ok {
			fresh = append(fresh, i)
		}
	}
	if len(fresh) == 0 {
		fresh = eligible
	}

	// Candidates arrive in insertion order, so the rank within fresh
	// already orders them by sequence number.
	total := len(fresh) * (len(fresh) + 1) / 2
	pick := rng.IntN(total)
	for rank, i := range fresh {
		pick -= rank + 1
		if pick < 0 {
			return i
		}
	}
	return fresh[len(fresh)-1]
}
