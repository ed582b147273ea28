package tiling

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/pbnjay/memory"
)

// Plan distributes a tile count hint over the tileable dimensions. The dimension
// with the largest core is split further until the grid holds at least hint
// tiles or no dimension can be split without breaking the overlap constraint.
// Dimensions that are not tileable keep a single tile.
func Plan(sizes []int, overlaps []int, tileable []bool, hint int) []int {
	counts := make([]int, len(sizes))
	for d := range counts {
		counts[d] = 1
	}

	total := 1
	for total < hint {
		best := -1
		bestCore := 0
		for d := range sizes {
			if !tileable[d] {
				continue
			}
			next := counts[d] + 1
			if next > sizes[d] || 2*overlaps[d] > sizes[d]/next {
				continue
			}
			core := (sizes[d] + counts[d] - 1) / counts[d]
			if core > bestCore {
				best, bestCore = d, core
			}
		}
		if best < 0 {
			break
		}
		total = total / counts[best] * (counts[best] + 1)
		counts[best]++
	}
	return counts
}

// MemoryBudget describes how much of the machine a batch may use
type MemoryBudget struct {
	// Fraction of total system memory available to one batch tensor
	Fraction float64

	// Total overrides the detected system memory when non-zero
	Total uint64
}

// Available returns the number of bytes a batch may use
func (b MemoryBudget) Available() uint64 {
	total := b.Total
	if total == 0 {
		total = memory.TotalMemory()
	}
	fraction := b.Fraction
	if fraction <= 0 || fraction > 1 {
		fraction = 0.25
	}
	return uint64(float64(total) * fraction)
}

// HintFromMemory returns the smallest tile count for which a batch of batchSize
// tiles of a volume of imageBytes (input and output) fits the budget
func HintFromMemory(imageBytes uint64, batchSize int, budget MemoryBudget) (int, string) {
	available := budget.Available()
	if available == 0 || imageBytes == 0 {
		return 1, "memory size unknown, using a single tile"
	}
	if batchSize < 1 {
		batchSize = 1
	}
	need := float64(imageBytes) * float64(batchSize)
	hint := int(math.Ceil(need / float64(available)))
	if hint < 1 {
		hint = 1
	}
	return hint, fmt.Sprintf("batch budget %s of %s, volume %s -> %d tiles",
		humanize.Bytes(available), humanize.Bytes(budget.totalOrDetected()), humanize.Bytes(imageBytes), hint)
}

func (b MemoryBudget) totalOrDetected() uint64 {
	if b.Total != 0 {
		return b.Total
	}
	return memory.TotalMemory()
}
