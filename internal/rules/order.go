package rules

import "sort"

// Less is the single ordering that decides which rule wins:
// tier rank asc, priority desc, specificity desc, source rank asc, id asc.
func Less(a, b *CompiledRule) bool {
	if a.TierRank != b.TierRank {
		return a.TierRank < b.TierRank
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Specificity != b.Specificity {
		return a.Specificity > b.Specificity
	}
	if a.SourceRank != b.SourceRank {
		return a.SourceRank < b.SourceRank
	}
	return a.ID < b.ID
}

// Sort orders rules in place for evaluation.
func Sort(rs []*CompiledRule) {
	sort.SliceStable(rs, func(i, j int) bool { return Less(rs[i], rs[j]) })
}
