package shadow

// DefaultTopK is the prefix length compared when Runner.TopK is unset.
const DefaultTopK = 10

// #region divergence
// Divergence is 1 - Jaccard(topK(control), topK(candidate)) over accepted
// chunk ids. 0 means the same top-K set, 1 means disjoint. Order inside the
// prefix does not matter. Two empty lists have divergence 0.
//
// The tuner's promotion gate compares this value against a fixed bound, so
// the metric must not change between releases.
func Divergence(control, candidate []string, k int) float64 {
	if k <= 0 {
		k = DefaultTopK
	}
	a := topK(control, k)
	b := topK(candidate, k)
	if len(a) == 0 && len(b) == 0 {
		return 0
	}

	inter := 0
	for id := range a {
		if _, ok := b[id]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return 1 - float64(inter)/float64(union)
}

func topK(ids []string, k int) map[string]struct{} {
	if len(ids) > k {
		ids = ids[:k]
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// #endregion divergence
