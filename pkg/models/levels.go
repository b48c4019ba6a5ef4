package models

import "strings"

// ConfidenceLevel is the author's confidence in a fragment or knowledge unit.
type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceHigh   ConfidenceLevel = "high"
)

// ParseConfidenceLevel maps free text to a level. Unknown values become medium.
func ParseConfidenceLevel(s string) ConfidenceLevel {
	switch ConfidenceLevel(strings.ToLower(strings.TrimSpace(s))) {
	case ConfidenceLow:
		return ConfidenceLow
	case ConfidenceHigh:
		return ConfidenceHigh
	default:
		return ConfidenceMedium
	}
}

// TrustLevel is how much a speaker's statements are trusted.
type TrustLevel string

const (
	TrustLow    TrustLevel = "low"
	TrustMedium TrustLevel = "medium"
	TrustHigh   TrustLevel = "high"
)

// ParseTrustLevel maps free text to a trust level. Unknown values become medium.
func ParseTrustLevel(s string) TrustLevel {
	switch TrustLevel(strings.ToLower(strings.TrimSpace(s))) {
	case TrustLow:
		return TrustLow
	case TrustHigh:
		return TrustHigh
	default:
		return TrustMedium
	}
}

// SourceScope tells whether a source originated inside or outside the organisation.
type SourceScope string

const (
	SourceInternal SourceScope = "internal"
	SourceExternal SourceScope = "external"
)

// ClusteringSessionStatus is the lifecycle state of an offline clustering run.
type ClusteringSessionStatus string

const (
	ClusteringPending   ClusteringSessionStatus = "pending"
	ClusteringRunning   ClusteringSessionStatus = "running"
	ClusteringCompleted ClusteringSessionStatus = "completed"
	ClusteringFailed    ClusteringSessionStatus = "failed"
)
