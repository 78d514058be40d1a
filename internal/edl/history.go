package edl

import "slices"

// regionState is the part of a color region that participates in undo and
// change detection. Mask payloads and progress counters live outside it.
type regionState struct {
	ID           string
	ClipID       string
	Seed         Seed
	IsProcessing bool
}

// state is one undoable version of the timeline.
type state struct {
	clips   []Clip
	regions []regionState
}

func (s state) clone() state {
	return state{clips: slices.Clone(s.clips), regions: slices.Clone(s.regions)}
}

func (s state) equal(o state) bool {
	return slices.Equal(s.clips, o.clips) && slices.Equal(s.regions, o.regions)
}

func (s state) clipIndex(id string) int {
	return slices.IndexFunc(s.clips, func(c Clip) bool { return c.ID == id })
}

func (s state) regionIndex(id string) int {
	return slices.IndexFunc(s.regions, func(r regionState) bool { return r.ID == id })
}

// history is a linear undo log bounded at depth entries. Recording after an
// undo discards the redo branch.
type history struct {
	depth  int
	past   []state
	future []state
}

func newHistory(depth int) *history {
	return &history{depth: depth}
}

func (h *history) record(prev state) {
	h.past = append(h.past, prev)
	if len(h.past) > h.depth {
		h.past = slices.Delete(h.past, 0, len(h.past)-h.depth)
	}
	h.future = nil
}

func (h *history) undo(current state) (state, bool) {
	if len(h.past) == 0 {
		return state{}, false
	}
	prev := h.past[len(h.past)-1]
	h.past = h.past[:len(h.past)-1]
	h.future = append(h.future, current)
	return prev, true
}

func (h *history) redo(current state) (state, bool) {
	if len(h.future) == 0 {
		return state{}, false
	}
	next := h.future[len(h.future)-1]
	h.future = h.future[:len(h.future)-1]
	h.past = append(h.past, current)
	if len(h.past) > h.depth {
		h.past = slices.Delete(h.past, 0, len(h.past)-h.depth)
	}
	return next, true
}

func (h *history) clear() {
	h.past = nil
	h.future = nil
}

// finishRegion clears the processing flag of id in every recorded state.
func (h *history) finishRegion(id string) {
	for _, states := range [][]state{h.past, h.future} {
		for i := range states {
			j := states[i].regionIndex(id)
			if j < 0 {
				continue
			}
			states[i].regions = slices.Clone(states[i].regions)
			states[i].regions[j].IsProcessing = false
		}
	}
}

// referencedRegions collects every region id alive in any recorded state.
func (h *history) referencedRegions(into map[string]bool) {
	for _, s := range h.past {
		for _, r := range s.regions {
			into[r.ID] = true
		}
	}
	for _, s := range h.future {
		for _, r := range s.regions {
			into[r.ID] = true
		}
	}
}
