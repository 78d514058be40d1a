package edl

import (
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/mask"
)

// Snapshot is a read-only copy of the timeline handed to subscribers and
// renderers.
type Snapshot struct {
	Clips     []Clip        `json:"clips"`
	Regions   []ColorRegion `json:"regions"`
	Selection string        `json:"selection,omitempty"`
	Duration  float64       `json:"duration_seconds"`
	CanUndo   bool          `json:"can_undo"`
	CanRedo   bool          `json:"can_redo"`
}

// regionProgress carries the streamed part of a color region. It is shared by
// every history entry that refers to the region and never snapshotted.
type regionProgress struct {
	masks     []mask.FrameMask
	total     int
	processed int
}

// changeKey is what subscribers are notified about.
type changeKey struct {
	selection string
	canUndo   bool
	canRedo   bool
}

// Store is the single writer of clip and region state. It also owns the
// playhead so trims can re-anchor it. All methods are safe for concurrent
// use; readers receive copies.
type Store struct {
	sources SourceLookup
	logger  *slog.Logger

	mu        sync.RWMutex
	cur       state
	hist      *history
	progress  map[string]*regionProgress
	selection string
	playhead  float64

	lastState state
	lastKey   changeKey
	subs      map[int]func(Snapshot)
	nextSub   int
}

func NewStore(sources SourceLookup, logger *slog.Logger) *Store {
	return &Store{
		sources:  sources,
		logger:   logging.WithComponent(logging.OrDiscard(logger), "edl"),
		hist:     newHistory(HistoryDepth),
		progress: make(map[string]*regionProgress),
		subs:     make(map[int]func(Snapshot)),
	}
}

// AddClip appends a clip spanning the whole source. Unknown sources are
// ignored.
func (s *Store) AddClip(sourceID string) (string, bool) {
	src, ok := s.sources.Lookup(sourceID)
	if !ok || src.DurationSeconds < MinClipDuration {
		return "", false
	}

	id := uuid.NewString()
	s.mutate(func() {
		s.cur.clips = append(s.cur.clips, Clip{
			ID:        id,
			SourceID:  sourceID,
			SourceIn:  0,
			SourceOut: src.DurationSeconds,
		})
		recomputePositions(s.cur.clips)
	})
	s.logger.Debug("clip added", "clip_id", id, "source_id", sourceID)
	return id, true
}

func (s *Store) RemoveClip(clipID string) {
	s.mutate(func() {
		i := s.cur.clipIndex(clipID)
		if i < 0 {
			return
		}
		s.cur.clips = slices.Delete(s.cur.clips, i, i+1)
		s.cur.regions = slices.DeleteFunc(s.cur.regions, func(r regionState) bool { return r.ClipID == clipID })
		recomputePositions(s.cur.clips)
		if s.selection == clipID {
			s.selection = ""
		}
	})
}

func (s *Store) ClearClips() {
	s.mutate(func() {
		s.cur.clips = nil
		s.cur.regions = nil
		s.selection = ""
	})
}

// Reset drops the timeline together with its history.
func (s *Store) Reset() {
	s.mu.Lock()
	s.cur = state{}
	s.hist.clear()
	s.selection = ""
	s.playhead = 0
	s.pruneProgressLocked()
	snap, subs, changed := s.changesLocked()
	s.mu.Unlock()
	notify(subs, snap, changed)
}

// ReorderClips moves activeID to the index currently held by overID.
func (s *Store) ReorderClips(activeID, overID string) {
	if activeID == overID {
		return
	}
	s.mutate(func() {
		from, to := s.cur.clipIndex(activeID), s.cur.clipIndex(overID)
		if from < 0 || to < 0 {
			return
		}
		c := s.cur.clips[from]
		s.cur.clips = slices.Delete(s.cur.clips, from, from+1)
		s.cur.clips = slices.Insert(s.cur.clips, to, c)
		recomputePositions(s.cur.clips)
	})
}

// TrimClipStart moves a clip's in point and returns the re-anchored playhead.
// A NaN in point leaves the clip untouched.
func (s *Store) TrimClipStart(clipID string, newIn float64) float64 {
	if math.IsNaN(newIn) {
		return s.Playhead()
	}
	return s.trim(clipID, func(c *Clip) {
		lo := math.Max(0, c.SourceIn-c.Trimmed.Start)
		hi := c.SourceOut - MinClipDuration
		in := clamp(newIn, lo, hi)
		c.Trimmed.Start = math.Max(0, c.Trimmed.Start+(in-c.SourceIn))
		c.SourceIn = in
	})
}

// TrimClipEnd moves a clip's out point and returns the re-anchored playhead.
func (s *Store) TrimClipEnd(clipID string, newOut float64) float64 {
	if math.IsNaN(newOut) {
		return s.Playhead()
	}
	return s.trim(clipID, func(c *Clip) {
		lo := c.SourceIn + MinClipDuration
		hi := c.SourceOut + c.Trimmed.End
		if src, ok := s.sources.Lookup(c.SourceID); ok {
			hi = math.Min(hi, src.DurationSeconds)
		}
		hi = math.Max(hi, lo)
		out := clamp(newOut, lo, hi)
		c.Trimmed.End = math.Max(0, c.Trimmed.End+(c.SourceOut-out))
		c.SourceOut = out
	})
}

func (s *Store) trim(clipID string, apply func(c *Clip)) float64 {
	var playhead float64
	s.mutate(func() {
		playhead = s.playhead
		i := s.cur.clipIndex(clipID)
		if i < 0 {
			return
		}
		old := s.cur.clips[i]
		active, hasActive := ClipAt(s.cur.clips, s.playhead)

		apply(&s.cur.clips[i])
		recomputePositions(s.cur.clips)
		nc := s.cur.clips[i]

		if hasActive {
			switch {
			case active == i:
				src := old.SourceTime(s.playhead)
				switch {
				case src < nc.SourceIn:
					s.playhead = nc.TimelinePosition
				case src > nc.SourceOut:
					s.playhead = nc.End()
				default:
					s.playhead = nc.TimelineTime(src)
				}
			case active > i:
				s.playhead += nc.Duration() - old.Duration()
			}
		}
		playhead = s.clampPlayheadLocked()
	})
	return playhead
}

// SplitClip cuts a clip in two at a timeline time strictly inside it and
// returns the id of the new right-hand clip. Splits that would leave either
// side shorter than MinClipDuration are ignored.
func (s *Store) SplitClip(clipID string, at float64) (string, bool) {
	var rightID string
	s.mutate(func() {
		i := s.cur.clipIndex(clipID)
		if i < 0 {
			return
		}
		c := s.cur.clips[i]
		if !(at > c.TimelinePosition && at < c.End()) {
			return
		}
		cut := c.SourceTime(at)
		if cut-c.SourceIn < MinClipDuration || c.SourceOut-cut < MinClipDuration {
			return
		}

		left, right := c, c
		left.SourceOut = cut
		left.Trimmed.End = 0
		right.ID = uuid.NewString()
		right.SourceIn = cut
		right.Trimmed.Start = 0

		s.cur.clips[i] = left
		s.cur.clips = slices.Insert(s.cur.clips, i+1, right)
		recomputePositions(s.cur.clips)

		for j, r := range s.cur.regions {
			if r.ClipID != clipID {
				continue
			}
			if s.regionLocked(r).startTime() >= cut {
				s.cur.regions[j].ClipID = right.ID
			}
		}
		rightID = right.ID
	})
	if rightID == "" {
		return "", false
	}
	s.logger.Debug("clip split", "clip_id", clipID, "right_clip_id", rightID, "at", at)
	return rightID, true
}

// Duration is the total content length of the timeline.
func (s *Store) Duration() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return TotalDuration(s.cur.clips)
}

func (s *Store) Clips() []Clip {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.cur.clips)
}

func (s *Store) Clip(id string) (Clip, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.cur.clipIndex(id)
	if i < 0 {
		return Clip{}, false
	}
	return s.cur.clips[i], true
}

// Select marks a clip as selected; an empty id clears the selection.
func (s *Store) Select(clipID string) {
	s.mu.Lock()
	if clipID == "" || s.cur.clipIndex(clipID) >= 0 {
		s.selection = clipID
	}
	snap, subs, changed := s.changesLocked()
	s.mu.Unlock()
	notify(subs, snap, changed)
}

func (s *Store) Selection() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection
}

// AddRegion creates a color region in the processing state on a clip.
func (s *Store) AddRegion(clipID string, seed Seed) (string, bool) {
	var id string
	s.mutate(func() {
		if s.cur.clipIndex(clipID) < 0 {
			return
		}
		id = uuid.NewString()
		s.cur.regions = append(s.cur.regions, regionState{
			ID:           id,
			ClipID:       clipID,
			Seed:         seed,
			IsProcessing: true,
		})
		s.progress[id] = &regionProgress{}
	})
	return id, id != ""
}

// RecordRegionProgress stores a tracked mask (fm may be nil for a skipped
// frame) and the tracking counters. It neither grows the history nor
// notifies subscribers.
func (s *Store) RecordRegionProgress(regionID string, fm *mask.FrameMask, processed, total int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.regionIndex(regionID) < 0 {
		return false
	}
	p := s.progress[regionID]
	if p == nil {
		p = &regionProgress{}
		s.progress[regionID] = p
	}
	if fm != nil && fm.Mask.Valid() {
		p.masks = mask.Insert(p.masks, *fm)
	}
	p.processed = processed
	p.total = total
	return true
}

// FinishRegion clears the processing flag once tracking has completed. The
// flag is cleared in every recorded state as well and no undo entry is made,
// so undo and redo never bring back a region that waits on a finished job.
func (s *Store) FinishRegion(regionID string) {
	s.mu.Lock()
	if i := s.cur.regionIndex(regionID); i >= 0 {
		s.cur.regions[i].IsProcessing = false
	}
	s.hist.finishRegion(regionID)
	snap, subs, changed := s.changesLocked()
	s.mu.Unlock()
	notify(subs, snap, changed)
}

// RemoveRegion discards a region, e.g. when its tracking is cancelled.
func (s *Store) RemoveRegion(regionID string) {
	s.mutate(func() {
		s.cur.regions = slices.DeleteFunc(s.cur.regions, func(r regionState) bool { return r.ID == regionID })
	})
}

func (s *Store) Region(id string) (ColorRegion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.cur.regionIndex(id)
	if i < 0 {
		return ColorRegion{}, false
	}
	return s.regionLocked(s.cur.regions[i]), true
}

func (s *Store) Regions() []ColorRegion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regionsLocked()
}

func (s *Store) RegionsForClip(clipID string) []ColorRegion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ColorRegion
	for _, r := range s.cur.regions {
		if r.ClipID == clipID {
			out = append(out, s.regionLocked(r))
		}
	}
	return out
}

func (s *Store) Playhead() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playhead
}

// SetPlayhead moves the playhead, clamped to [0, Duration()].
func (s *Store) SetPlayhead(t float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if math.IsNaN(t) {
		t = 0
	}
	s.playhead = t
	return s.clampPlayheadLocked()
}

func (s *Store) CanUndo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hist.past) > 0
}

func (s *Store) CanRedo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hist.future) > 0
}

func (s *Store) Undo() bool {
	return s.travel(s.hist.undo)
}

func (s *Store) Redo() bool {
	return s.travel(s.hist.redo)
}

func (s *Store) travel(step func(state) (state, bool)) bool {
	s.mu.Lock()
	next, ok := step(s.cur)
	if ok {
		s.cur = next.clone()
		if s.selection != "" && s.cur.clipIndex(s.selection) < 0 {
			s.selection = ""
		}
		s.clampPlayheadLocked()
		s.pruneProgressLocked()
	}
	snap, subs, changed := s.changesLocked()
	s.mu.Unlock()
	notify(subs, snap, changed)
	return ok
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Subscribe registers fn to be called after every change to the timeline
// structure, selection or undo availability. Mask streaming and playhead
// movement do not notify.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// mutate runs fn under the write lock and records the previous state when fn
// changed it.
func (s *Store) mutate(fn func()) {
	s.mu.Lock()
	prev := s.cur.clone()
	fn()
	if !prev.equal(s.cur) {
		s.hist.record(prev)
		s.clampPlayheadLocked()
		s.pruneProgressLocked()
	}
	snap, subs, changed := s.changesLocked()
	s.mu.Unlock()
	notify(subs, snap, changed)
}

func (s *Store) clampPlayheadLocked() float64 {
	s.playhead = clamp(s.playhead, 0, TotalDuration(s.cur.clips))
	return s.playhead
}

// pruneProgressLocked forgets streamed masks of regions that no state in the
// store or its history refers to any more.
func (s *Store) pruneProgressLocked() {
	live := make(map[string]bool, len(s.progress))
	for _, r := range s.cur.regions {
		live[r.ID] = true
	}
	s.hist.referencedRegions(live)
	for id := range s.progress {
		if !live[id] {
			delete(s.progress, id)
		}
	}
}

func (s *Store) regionLocked(r regionState) ColorRegion {
	out := ColorRegion{
		ID:           r.ID,
		ClipID:       r.ClipID,
		Seed:         r.Seed,
		IsProcessing: r.IsProcessing,
	}
	if p := s.progress[r.ID]; p != nil {
		out.FrameMasks = p.masks
		out.TotalFrames = p.total
		out.ProcessedFrames = p.processed
	}
	return out
}

func (s *Store) regionsLocked() []ColorRegion {
	out := make([]ColorRegion, 0, len(s.cur.regions))
	for _, r := range s.cur.regions {
		out = append(out, s.regionLocked(r))
	}
	return out
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Clips:     slices.Clone(s.cur.clips),
		Regions:   s.regionsLocked(),
		Selection: s.selection,
		Duration:  TotalDuration(s.cur.clips),
		CanUndo:   len(s.hist.past) > 0,
		CanRedo:   len(s.hist.future) > 0,
	}
}

func (s *Store) changesLocked() (Snapshot, []func(Snapshot), bool) {
	key := changeKey{
		selection: s.selection,
		canUndo:   len(s.hist.past) > 0,
		canRedo:   len(s.hist.future) > 0,
	}
	if key == s.lastKey && s.cur.equal(s.lastState) {
		return Snapshot{}, nil, false
	}
	s.lastKey = key
	s.lastState = s.cur.clone()

	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return s.snapshotLocked(), subs, true
}

func notify(subs []func(Snapshot), snap Snapshot, changed bool) {
	if !changed {
		return
	}
	for _, fn := range subs {
		fn(snap)
	}
}
