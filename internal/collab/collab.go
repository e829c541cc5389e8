// Package collab coordinates concurrent edits to an offer's sections.
//
// Editors register poll-based sessions (start / heartbeat / end) and submit
// changes tagged with the offer version they last read. The coordinator
// detects two kinds of clash before committing anything:
//
//   - version_conflict: the server moved past the client's version and the
//     intervening writes touched a section the client also touched
//   - section_conflict: another live session is editing the same section
//
// Conflicts are never auto-resolved; the caller picks merge, overwrite or
// cancel, or a privileged caller forces the write through.
package collab

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionNotFound = errors.New("collab: edit session not found")
	ErrInvalidSection  = errors.New("collab: unknown section")
	ErrNotEditable     = errors.New("collab: offer is not editable")
	ErrCancelled       = errors.New("collab: changes discarded by caller")
)

// DefaultLiveness is the heartbeat window after which a session stops
// counting as an active collaborator.
const DefaultLiveness = 30 * time.Second

// Resolution selects how a conflicting apply is handled.
type Resolution string

const (
	ResolutionMerge     Resolution = "merge"
	ResolutionOverwrite Resolution = "overwrite"
	ResolutionCancel    Resolution = "cancel"
)

// ConflictType discriminates the two clash kinds.
type ConflictType string

const (
	VersionConflict ConflictType = "version_conflict"
	SectionConflict ConflictType = "section_conflict"
)

// Session is one user's live editing presence on an offer. At most one
// session exists per (offer, user); restarting switches the section.
type Session struct {
	OfferID        string    `json:"offerId"`
	UserID         string    `json:"userId"`
	Section        string    `json:"section"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Conflict describes one detected clash.
type Conflict struct {
	Type    ConflictType `json:"type"`
	Section string       `json:"section"`
	Fields  []string     `json:"fields,omitempty"` // overlapping fields, version conflicts only
	UserID  string       `json:"userId,omitempty"` // the other editor
	Version int64        `json:"version,omitempty"`
}

// Report is the outcome of a conflict check.
type Report struct {
	HasConflicts  bool       `json:"hasConflicts"`
	Conflicts     []Conflict `json:"conflicts"`
	CanProceed    bool       `json:"canProceed"`
	ServerVersion int64      `json:"serverVersion"`
}

// ConflictError is returned when an apply cannot commit without an explicit
// resolution. It carries the full report for the client to resolve against.
type ConflictError struct {
	Report *Report
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("collab: %d unresolved conflicts at version %d",
		len(e.Report.Conflicts), e.Report.ServerVersion)
}

// ApplyRequest is a client's change submission.
type ApplyRequest struct {
	UserID        string                    `json:"userId"`
	ClientVersion int64                     `json:"clientVersion"`
	Changes       map[string]map[string]any `json:"changes" binding:"required"`
	Resolution    Resolution                `json:"resolutionStrategy"`
	ForceOverride bool                      `json:"forceOverride"`
}

// ApplyResult reports what an apply committed.
type ApplyResult struct {
	AppliedChanges map[string][]string `json:"appliedChanges"`          // section -> fields written
	SkippedFields  map[string][]string `json:"skippedFields,omitempty"` // section -> fields rejected by merge
	NewVersion     int64               `json:"newVersion"`
	Overridden     bool                `json:"overridden,omitempty"`
}
