// Package synthesis turns groups of similar fragments into knowledge units.
// Two strategies share one writer: incremental seed-and-grow clustering and
// traversal of precomputed clusters.
package synthesis

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/thebtf/distiller/internal/ai"
	gormdb "github.com/thebtf/distiller/internal/db/gorm"
	"github.com/thebtf/distiller/internal/metrics"
	"github.com/thebtf/distiller/internal/privacy"
	"github.com/thebtf/distiller/pkg/models"
)

// Persisted field caps, in characters.
const (
	MaxTitleLen             = 200
	MaxSummaryLen           = 500
	MaxContentLen           = 10000
	MaxConfidenceCommentLen = 1000
	MaxRationaleLen         = 2000
)

// Proposal rejection reasons.
const (
	RejectTooFewFragments = "too_few_fragments"
	RejectUnknownFragment = "unknown_fragment"
	RejectUnknownCategory = "unknown_category"
)

// ErrPromptTemplateMissing means a required prompt template is not in storage.
var ErrPromptTemplateMissing = goerr.New("required prompt template missing")

// Outcome summarizes one synthesis call over a participant set.
type Outcome struct {
	Participants []int64
	Created      []int64
	Rejected     int
	Processed    int64
	Message      string
}

// Writer runs the shared part of both strategies: prompt the synthesizer with
// the participants, persist the acceptable proposals and watermark every participant.
type Writer struct {
	refs    *gormdb.ReferenceStore
	frags   *gormdb.FragmentStore
	units   *gormdb.KnowledgeUnitStore
	synth   ai.Synthesizer
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewWriter creates a writer. m may be nil.
func NewWriter(store *gormdb.Store, synth ai.Synthesizer, m *metrics.Metrics) *Writer {
	return &Writer{
		refs:    gormdb.NewReferenceStore(store),
		frags:   gormdb.NewFragmentStore(store),
		units:   gormdb.NewKnowledgeUnitStore(store),
		synth:   synth,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Synthesize must run inside tx. Any returned error leaves tx to be rolled back.
func (w *Writer) Synthesize(ctx context.Context, tx *gorm.DB, strategy string, participants []gormdb.Fragment) (*Outcome, error) {
	out := &Outcome{Participants: fragmentIDs(participants)}
	if len(participants) == 0 {
		return out, nil
	}

	req, categories, err := w.buildRequest(ctx, tx, participants)
	if err != nil {
		return nil, err
	}

	resp, err := w.synth.Synthesize(ctx, ai.BuildUserPrompt(*req), ai.BuildSystemPrompt(*req))
	if err != nil {
		return nil, goerr.Wrap(err, "synthesis failed", goerr.V("participants", out.Participants))
	}
	out.Message = resp.Message

	known := make(map[int64]bool, len(participants))
	for _, id := range out.Participants {
		known[id] = true
	}

	if resp.Type == ai.ResponseUnits {
		for i, proposal := range resp.Units {
			ids, category, reason := validate(proposal, known, categories)
			if reason != "" {
				out.Rejected++
				w.metrics.RecordRejected(ctx, reason)
				log.Warn().
					Str("strategy", strategy).
					Int("proposal", i).
					Str("reason", reason).
					Str("category", proposal.Category).
					Ints64("fragmentIds", proposal.FragmentIDs).
					Msg("Rejected proposed knowledge unit")
				continue
			}

			ku := newKnowledgeUnit(proposal, category)
			if err := w.units.CreateWithFragments(ctx, tx, ku, ids); err != nil {
				return nil, goerr.Wrap(err, "failed to persist knowledge unit",
					goerr.V("title", ku.Title),
					goerr.V("fragment_ids", ids))
			}
			out.Created = append(out.Created, ku.ID)
			log.Info().
				Str("strategy", strategy).
				Int64("knowledgeUnitId", ku.ID).
				Ints64("fragmentIds", ids).
				Msg("Created knowledge unit")
		}
	}

	n, err := w.frags.MarkProcessed(ctx, tx, out.Participants, w.now())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to mark participants processed", goerr.V("participants", out.Participants))
	}
	out.Processed = n

	w.metrics.RecordKnowledgeUnits(ctx, strategy, len(out.Created))
	w.metrics.RecordFragmentsProcessed(ctx, strategy, n)
	return out, nil
}

// MarkProcessed watermarks fragments without synthesizing anything.
func (w *Writer) MarkProcessed(ctx context.Context, tx *gorm.DB, strategy string, ids []int64) (int64, error) {
	n, err := w.frags.MarkProcessed(ctx, tx, ids, w.now())
	if err != nil {
		return 0, goerr.Wrap(err, "failed to mark fragments processed", goerr.V("ids", ids))
	}
	w.metrics.RecordFragmentsProcessed(ctx, strategy, n)
	return n, nil
}

func (w *Writer) buildRequest(ctx context.Context, tx *gorm.DB, participants []gormdb.Fragment) (*ai.Request, map[string]gormdb.Category, error) {
	clustering, err := w.template(ctx, tx, models.PromptKnowledgeUnitClustering)
	if err != nil {
		return nil, nil, err
	}
	weighting, err := w.template(ctx, tx, models.PromptFragmentWeighting)
	if err != nil {
		return nil, nil, err
	}

	cats, err := w.refs.ListCategories(ctx, tx)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to list categories")
	}
	byName := make(map[string]gormdb.Category, len(cats))
	req := &ai.Request{
		ClusteringGuidance: clustering,
		WeightingGuidance:  weighting,
		Categories:         make([]ai.CategoryDef, 0, len(cats)),
		Fragments:          make([]ai.FragmentInput, 0, len(participants)),
	}
	for _, c := range cats {
		byName[categoryKey(c.Name)] = c
		req.Categories = append(req.Categories, ai.CategoryDef{Name: c.Name, Guidance: c.Guidance})
	}
	for i := range participants {
		req.Fragments = append(req.Fragments, fragmentInput(&participants[i]))
	}
	return req, byName, nil
}

func (w *Writer) template(ctx context.Context, tx *gorm.DB, name models.PromptTemplateName) (string, error) {
	tpl, err := w.refs.PromptTemplate(ctx, tx, name)
	if err != nil {
		return "", goerr.Wrap(err, "failed to load prompt template", goerr.V("name", name))
	}
	if tpl == nil {
		return "", goerr.Wrap(ErrPromptTemplateMissing, "prompt template not found", goerr.V("name", name))
	}
	return tpl.Body, nil
}

func fragmentInput(f *gormdb.Fragment) ai.FragmentInput {
	in := ai.FragmentInput{
		ID:                f.ID,
		Title:             privacy.Clean(f.Title),
		Content:           privacy.Clean(f.Content),
		Confidence:        string(f.Confidence),
		ConfidenceComment: privacy.Clean(f.ConfidenceComment),
	}
	if f.Category != nil {
		in.Category = f.Category.Name
	}
	if src := f.Source; src != nil {
		sc := &ai.SourceContext{
			OccurredAt: src.OccurredAt,
			SourceType: src.SourceType,
			Scope:      string(src.Scope),
		}
		if sp := src.PrimarySpeaker; sp != nil {
			sc.SpeakerName = sp.Name
			sc.SpeakerTrust = string(sp.TrustLevel)
		}
		in.Source = sc
	}
	for _, t := range f.Tags {
		in.Tags = append(in.Tags, t.Name)
	}
	return in
}

// validate returns the distinct fragment ids and category of an acceptable
// proposal, or a rejection reason.
func validate(p ai.ProposedUnit, known map[int64]bool, categories map[string]gormdb.Category) ([]int64, *gormdb.Category, string) {
	seen := make(map[int64]bool, len(p.FragmentIDs))
	ids := make([]int64, 0, len(p.FragmentIDs))
	for _, id := range p.FragmentIDs {
		if !known[id] {
			return nil, nil, RejectUnknownFragment
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) < 2 {
		return nil, nil, RejectTooFewFragments
	}
	c, ok := categories[categoryKey(p.Category)]
	if !ok {
		return nil, nil, RejectUnknownCategory
	}
	return ids, &c, ""
}

func newKnowledgeUnit(p ai.ProposedUnit, c *gormdb.Category) *gormdb.KnowledgeUnit {
	return &gormdb.KnowledgeUnit{
		Title:             capLen(p.Title, MaxTitleLen),
		Summary:           capLen(p.Summary, MaxSummaryLen),
		Content:           capLen(p.Content, MaxContentLen),
		CategoryID:        c.ID,
		Confidence:        models.ParseConfidenceLevel(p.Confidence),
		ConfidenceComment: capLen(p.ConfidenceComment, MaxConfidenceCommentLen),
		ClusteringComment: capLen(p.ClusteringRationale, MaxRationaleLen),
	}
}

func categoryKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// capLen truncates s to at most n characters.
func capLen(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func fragmentIDs(fs []gormdb.Fragment) []int64 {
	out := make([]int64, len(fs))
	for i := range fs {
		out[i] = fs[i].ID
	}
	return out
}
