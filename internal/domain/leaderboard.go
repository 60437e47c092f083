package domain

import "sort"

// SortEntries orders by score descending, then participant id ascending.
func SortEntries(entries []LeaderboardEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].ParticipantID < entries[j].ParticipantID
	})
}

// AssignRanks fills Rank on sorted entries so that it equals one plus the
// number of entries with a strictly greater score. Entries must be a prefix
// of the full ordering.
func AssignRanks(entries []LeaderboardEntry) {
	for i := range entries {
		if i > 0 && entries[i].Score == entries[i-1].Score {
			entries[i].Rank = entries[i-1].Rank
			continue
		}
		entries[i].Rank = i + 1
	}
}
