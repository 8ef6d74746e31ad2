package session

import "roomsync/pkg/models"

// Reconciliation match modes, used for metrics labels.
const (
	matchNone  = ""
	matchExact = "exact"
	matchFuzzy = "fuzzy"
)

// matchProvisional finds the provisional entry a confirmed row replaces.
//
// When the backend persisted the client reference, the match is exact on
// that id. Otherwise it falls back to fuzzy matching: the oldest unmatched
// provisional with equal sender and text. Two identical rapid-fire texts
// from the same sender can then pair with either confirmation, but the
// entries render identically so the displayed log is unaffected.
func matchProvisional(entries []entry, m models.Message) (int, string) {
	if m.ClientRef != "" {
		for i := range entries {
			if entries[i].msg.Provisional && entries[i].msg.ID == m.ClientRef {
				return i, matchExact
			}
		}
		return -1, matchNone
	}
	for i := range entries {
		e := &entries[i].msg
		if e.Provisional && e.SenderID == m.SenderID && e.Text == m.Text {
			return i, matchFuzzy
		}
	}
	return -1, matchNone
}

// missingReactions returns the reactions in have that are absent from
// want, keyed by (reactor, emoji).
func missingReactions(have, want []models.Reaction) []models.Reaction {
	var out []models.Reaction
	for _, r := range have {
		found := false
		for _, w := range want {
			if w.UserID == r.UserID && w.Emoji == r.Emoji {
				found = true
				break
			}
		}
		if !found {
			out = append(out, r)
		}
	}
	return out
}
