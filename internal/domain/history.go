package domain

import (
	"strings"
	"time"
)

// HistoryTrigger records which transition archived a snapshot.
type HistoryTrigger string

const (
	HistoryTriggerApproval   HistoryTrigger = "approval"
	HistoryTriggerRetirement HistoryTrigger = "retirement"
)

// retiredKeyPrefix keeps retirement entries apart from approval entries of the same version.
const retiredKeyPrefix = "retired-"

// HistoryEntry is an immutable archived snapshot of a document.
type HistoryEntry struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	OrgID      string         `json:"org_id"`
	Key        string         `json:"key"`
	Version    Version        `json:"version"`
	Trigger    HistoryTrigger `json:"trigger"`
	Snapshot   Document       `json:"snapshot"`
	ArchivedAt time.Time      `json:"archived_at"`
	ArchivedBy string         `json:"archived_by,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// NewApprovalHistory archives an active revision superseded by a new approval.
func NewApprovalHistory(id string, snapshot Document, approvedBy, reason string, now time.Time) (HistoryEntry, error) {
	return newHistoryEntry(id, snapshot, snapshot.Version.String(), HistoryTriggerApproval, approvedBy, reason, now)
}

// NewRetirementHistory archives the revision being retired.
func NewRetirementHistory(id string, snapshot Document, retiredBy, reason string, now time.Time) (HistoryEntry, error) {
	return newHistoryEntry(id, snapshot, RetiredHistoryKey(snapshot.Version), HistoryTriggerRetirement, retiredBy, reason, now)
}

// RetiredHistoryKey returns the history key used for retirement snapshots.
func RetiredHistoryKey(v Version) string {
	return retiredKeyPrefix + v.String()
}

func newHistoryEntry(id string, snapshot Document, key string, trigger HistoryTrigger, actor, reason string, now time.Time) (HistoryEntry, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return HistoryEntry{}, ErrInvalidID
	}
	if strings.TrimSpace(snapshot.ID) == "" {
		return HistoryEntry{}, ErrInvalidID
	}
	return HistoryEntry{
		ID:         id,
		DocumentID: snapshot.ID,
		OrgID:      snapshot.OrgID,
		Key:        key,
		Version:    snapshot.Version,
		Trigger:    trigger,
		Snapshot:   snapshot.Clone(),
		ArchivedAt: now.UTC(),
		ArchivedBy: strings.TrimSpace(actor),
		Reason:     strings.TrimSpace(reason),
	}, nil
}
