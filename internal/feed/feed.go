// Package feed defines the wire model of the upstream controller datafeed
// and the helpers that identify and decompose a snapshot.
//
// A snapshot is one poll result from the upstream feed. Its identity is the
// general.update_timestamp field: two documents with the same timestamp are
// the same snapshot regardless of byte differences.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingUpdateTimestamp is returned when a document carries no parseable
// general.update_timestamp field.
var ErrMissingUpdateTimestamp = errors.New("missing or unparseable general.update_timestamp")

// Snapshot is one datafeed document. Only the fields consumed by the
// ingestion pipeline are modelled; everything else survives in the archived
// raw payload.
type Snapshot struct {
	General     General      `json:"general"`
	Controllers []Controller `json:"controllers"`
}

// General carries the feed's top-level metadata.
type General struct {
	UpdateTimestamp time.Time `json:"update_timestamp"`
}

// Controller is one connected controller entry in a snapshot.
type Controller struct {
	CID               int       `json:"cid"`
	Name              string    `json:"name"`
	Rating            string    `json:"rating"`
	RequestedRating   string    `json:"requested_rating"`
	Callsign          string    `json:"connected_callsign_full"`
	PrimaryPositionID string    `json:"primary_position_id"`
	LoginTime         time.Time `json:"login_time"`
	IsObserver        bool      `json:"is_observer"`
}

// Parse decodes a full snapshot document.
func Parse(raw []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.General.UpdateTimestamp.IsZero() {
		return nil, ErrMissingUpdateTimestamp
	}
	return &snap, nil
}

// UpdatedAt extracts the snapshot time from a raw document without decoding
// the controller list. This is the snapshot's fingerprint.
func UpdatedAt(raw []byte) (time.Time, error) {
	var doc struct {
		General struct {
			UpdateTimestamp string `json:"update_timestamp"`
		} `json:"general"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return time.Time{}, fmt.Errorf("decode snapshot header: %w", err)
	}
	if doc.General.UpdateTimestamp == "" {
		return time.Time{}, ErrMissingUpdateTimestamp
	}
	ts, err := time.Parse(time.RFC3339Nano, doc.General.UpdateTimestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMissingUpdateTimestamp, err)
	}
	return ts.UTC(), nil
}

// CallsignKey is a split callsign: the pair that identifies a callsign
// session.
type CallsignKey struct {
	Prefix string
	Suffix string
}

// SplitCallsign splits a full callsign on its last underscore, e.g.
// "SFO_1_TWR" -> ("SFO_1", "TWR"). Returns ok=false when the callsign has no
// underscore or either side is empty; such entries carry no callsign session.
func SplitCallsign(full string) (CallsignKey, bool) {
	i := strings.LastIndex(full, "_")
	if i <= 0 || i == len(full)-1 {
		return CallsignKey{}, false
	}
	return CallsignKey{Prefix: full[:i], Suffix: full[i+1:]}, true
}
