// Package batch splits drained work into the shapes the classification pipeline accepts.
package batch

import "github.com/ecotrace/ecotrace/internal/classify"

// SeedGroupSize is where token-bounded group sizing starts.
const SeedGroupSize = 5

// Partition splits items by whether they carry an image reference. The result is
// a total partition: every item lands in exactly one slice, order preserved.
func Partition[T any](items []T, hasImage func(T) bool) (withImage, withoutImage []T) {
	for _, it := range items {
		if hasImage(it) {
			withImage = append(withImage, it)
		} else {
			withoutImage = append(withoutImage, it)
		}
	}
	return withImage, withoutImage
}

// SizeGroups cuts items into consecutive groups whose token estimate stays under
// tokenLimit. Each group starts at SeedGroupSize, grows while the next member
// still fits and shrinks while it does not, never below one member. A single
// product over the limit still forms its own group.
func SizeGroups[T any](items []T, describe func(T) classify.Descriptor, tokenLimit int) [][]T {
	if len(items) == 0 {
		return nil
	}
	descs := make([]classify.Descriptor, len(items))
	for i, it := range items {
		descs[i] = describe(it)
	}
	fits := func(from, n int) bool {
		return classify.EstimateTokens(descs[from:from+n]) < tokenLimit
	}

	var groups [][]T
	for from := 0; from < len(items); {
		rest := len(items) - from
		n := min(SeedGroupSize, rest)
		for n < rest && fits(from, n+1) {
			n++
		}
		for n > 1 && !fits(from, n) {
			n--
		}
		groups = append(groups, items[from:from+n])
		from += n
	}
	return groups
}
