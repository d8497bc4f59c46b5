package results

import "github.com/google/uuid"

// Selection models the verifier's multi-select over the queue. The set
// of selected result IDs is the only state; whether a test group reads
// as selected is always derived from its members, never stored, so the
// two views cannot drift.
type Selection struct {
	groups map[string][]uuid.UUID
	chosen map[uuid.UUID]bool
}

// NewSelection builds an empty selection over the given test groups
// (group key to member result IDs).
func NewSelection(groups map[string][]uuid.UUID) *Selection {
	return &Selection{groups: groups, chosen: map[uuid.UUID]bool{}}
}

// ToggleAnalyte flips one result in or out of the selection.
func (s *Selection) ToggleAnalyte(id uuid.UUID) {
	if s.chosen[id] {
		delete(s.chosen, id)
		return
	}
	s.chosen[id] = true
}

// ToggleGroup selects every member of the group, or deselects all of
// them when the group already reads as fully selected.
func (s *Selection) ToggleGroup(group string) {
	members := s.groups[group]
	if len(members) == 0 {
		return
	}
	if s.GroupSelected(group) {
		for _, id := range members {
			delete(s.chosen, id)
		}
		return
	}
	for _, id := range members {
		s.chosen[id] = true
	}
}

// Selected reports whether one result is in the selection.
func (s *Selection) Selected(id uuid.UUID) bool {
	return s.chosen[id]
}

// GroupSelected reports whether every member of the group is selected.
// Empty groups are never selected.
func (s *Selection) GroupSelected(group string) bool {
	members := s.groups[group]
	if len(members) == 0 {
		return false
	}
	for _, id := range members {
		if !s.chosen[id] {
			return false
		}
	}
	return true
}

// IDs returns the selected result IDs, ready for BulkVerify.
func (s *Selection) IDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s.chosen))
	for id := range s.chosen {
		out = append(out, id)
	}
	return out
}

// Count returns how many results are selected.
func (s *Selection) Count() int { return len(s.chosen) }
