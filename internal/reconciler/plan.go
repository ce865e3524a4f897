package reconciler

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"datafeed_ingest/internal/feed"
	"datafeed_ingest/internal/storage"
)

// LiveState is the active rows of the three session tables, keyed the way
// the diff needs them.
type LiveState struct {
	Controllers map[int]storage.ControllerSession
	Callsigns   map[feed.CallsignKey]storage.CallsignSession
	Positions   map[string]storage.PositionSession
}

// LoadLiveState reads all active sessions inside the caller's transaction.
func LoadLiveState(ctx context.Context, q storage.Querier) (LiveState, error) {
	live := LiveState{
		Controllers: make(map[int]storage.ControllerSession),
		Callsigns:   make(map[feed.CallsignKey]storage.CallsignSession),
		Positions:   make(map[string]storage.PositionSession),
	}

	callsigns, err := storage.ActiveCallsignSessions(ctx, q)
	if err != nil {
		return live, err
	}
	for _, s := range callsigns {
		live.Callsigns[feed.CallsignKey{Prefix: s.Prefix, Suffix: s.Suffix}] = s
	}

	positions, err := storage.ActivePositionSessions(ctx, q)
	if err != nil {
		return live, err
	}
	for _, s := range positions {
		live.Positions[s.PositionID] = s
	}

	controllers, err := storage.ActiveControllerSessions(ctx, q)
	if err != nil {
		return live, err
	}
	for _, s := range controllers {
		live.Controllers[s.CID] = s
	}

	return live, nil
}

// Entry is one snapshot controller that survived callsign splitting and
// in-snapshot deduplication.
type Entry struct {
	Controller feed.Controller
	Key        feed.CallsignKey
}

// Plan is the diff of one snapshot against the live state: which sessions to
// close, which entries to upsert, and the activity counts derived from the
// present-sets.
type Plan struct {
	Entries []Entry

	CloseCallsigns   []uuid.UUID
	ClosePositions   []uuid.UUID
	CloseControllers []uuid.UUID

	ActiveControllers int
	ActiveCallsigns   int
	ActivePositions   int
}

// BuildPlan diffs a snapshot against the live session state. Pure: no I/O,
// no clock.
//
// Entries whose callsign cannot be split are dropped for session purposes.
// When two entries map to the same cid, callsign pair or position id, the
// first wins and later duplicates are dropped, since the one-active-row
// invariants leave them nothing to attach to.
func BuildPlan(snap *feed.Snapshot, live LiveState, log *zap.Logger) Plan {
	var plan Plan

	presentCIDs := make(map[int]bool)
	presentCallsigns := make(map[feed.CallsignKey]bool)
	presentPositions := make(map[string]bool)

	for _, c := range snap.Controllers {
		key, ok := feed.SplitCallsign(c.Callsign)
		if !ok {
			log.Warn("skipping entry with unsplittable callsign",
				zap.Int("cid", c.CID),
				zap.String("callsign", c.Callsign))
			continue
		}
		if presentCIDs[c.CID] || presentCallsigns[key] || presentPositions[c.PrimaryPositionID] {
			log.Warn("skipping duplicate entry in snapshot",
				zap.Int("cid", c.CID),
				zap.String("callsign", c.Callsign),
				zap.String("position_id", c.PrimaryPositionID))
			continue
		}

		presentCIDs[c.CID] = true
		presentCallsigns[key] = true
		presentPositions[c.PrimaryPositionID] = true
		plan.Entries = append(plan.Entries, Entry{Controller: c, Key: key})
	}

	for key, s := range live.Callsigns {
		if !presentCallsigns[key] {
			plan.CloseCallsigns = append(plan.CloseCallsigns, s.ID)
		}
	}
	for id, s := range live.Positions {
		if !presentPositions[id] {
			plan.ClosePositions = append(plan.ClosePositions, s.ID)
		}
	}
	for cid, s := range live.Controllers {
		if !presentCIDs[cid] {
			plan.CloseControllers = append(plan.CloseControllers, s.ID)
		}
	}

	// The activity sample is derived from the present-sets, not re-queried,
	// so it reflects exactly the state this snapshot writes.
	plan.ActiveControllers = len(presentCIDs)
	plan.ActiveCallsigns = len(presentCallsigns)
	plan.ActivePositions = len(presentPositions)

	return plan
}
