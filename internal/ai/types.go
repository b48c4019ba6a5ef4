// Package ai defines the synthesis and embedding contracts and their gollem-backed implementations.
package ai

import (
	"context"
	"time"
)

// Synthesizer turns a prompt pair into proposed knowledge units.
// An unparseable model answer is an error; an empty unit list is not.
type Synthesizer interface {
	Synthesize(ctx context.Context, userPrompt, systemPrompt string) (*Response, error)
}

// Embedder returns one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string, dimensions int) ([][]float32, error)
}

// CategoryDef is a category the model may assign.
type CategoryDef struct {
	Name     string
	Guidance string
}

// SourceContext describes where a fragment came from.
type SourceContext struct {
	OccurredAt   *time.Time
	SourceType   string
	Scope        string
	SpeakerName  string
	SpeakerTrust string
}

// FragmentInput is one participant fragment as shown to the model.
type FragmentInput struct {
	ID                int64
	Title             string
	Category          string
	Content           string
	Confidence        string
	ConfidenceComment string
	Source            *SourceContext
	Tags              []string
}

// Request is everything a synthesis call needs.
type Request struct {
	ClusteringGuidance string
	WeightingGuidance  string
	Categories         []CategoryDef
	Fragments          []FragmentInput
}

// ResponseType tags the kind of answer the model gave.
type ResponseType string

const (
	ResponseUnits   ResponseType = "knowledge_units"
	ResponseNoUnits ResponseType = "no_units"
)

// ProposedUnit is one knowledge unit suggested by the model.
type ProposedUnit struct {
	Title               string  `json:"title"`
	Summary             string  `json:"summary"`
	Content             string  `json:"content"`
	Category            string  `json:"category"`
	Confidence          string  `json:"confidence"`
	ConfidenceComment   string  `json:"confidence_comment"`
	ClusteringRationale string  `json:"clustering_rationale"`
	FragmentIDs         []int64 `json:"fragment_ids"`
}

// Response is the structured model answer.
type Response struct {
	Type    ResponseType   `json:"type"`
	Units   []ProposedUnit `json:"units"`
	Message string         `json:"message,omitempty"`
}
