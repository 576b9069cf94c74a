package balancer

import (
	"math"

	"github.com/G-Research/automagician/internal/automagician/domain"
)

// PairedRemoteCount returns how many of pending jobs go to the peer: half of them, shifted by
// how much deeper the local queue is, clamped to [0, pending]. Odd halves round up.
func PairedRemoteCount(pending, selfDepth, peerDepth int, enabled bool) int {
	if !enabled {
		return 0
	}
	remote := (pending+1)/2 + selfDepth - peerDepth
	if remote < 0 {
		return 0
	}
	if remote > pending {
		return pending
	}
	return remote
}

// RemainingCapacity is the free capacity of each quota cluster, in domain.QuotaClusters order.
// Without balancing only the executing cluster offers capacity. Overfull clusters offer none.
func RemainingCapacity(quota, occupancy map[domain.Cluster]int, self domain.Cluster, balance bool) []int {
	remaining := make([]int, len(domain.QuotaClusters))
	for i, c := range domain.QuotaClusters {
		if !balance && c != self {
			continue
		}
		free := quota[c] - occupancy[c]
		if free > 0 {
			remaining[i] = free
		}
	}
	return remaining
}

// QuotaAllocation apportions pending jobs over clusters with the given remaining capacity.
// When capacity is short every cluster is filled. Otherwise each cluster in turn receives its
// rounded share of what is still pending relative to the capacity not yet considered.
func QuotaAllocation(remaining []int, pending int) []int {
	total := 0
	for _, r := range remaining {
		total += r
	}
	allocation := make([]int, len(remaining))
	if total < pending {
		copy(allocation, remaining)
		return allocation
	}
	for i, r := range remaining {
		if total == 0 {
			continue
		}
		share := int(math.RoundToEven(float64(r) * float64(pending) / float64(total)))
		if share < 0 {
			share = 0
		}
		allocation[i] = share
		pending -= share
		if pending < 0 {
			pending = 0
		}
		total -= r
	}
	return allocation
}
