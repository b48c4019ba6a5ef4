package synthesis

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/thebtf/distiller/internal/ai"
	gormdb "github.com/thebtf/distiller/internal/db/gorm"
	"github.com/thebtf/distiller/internal/vector/scan"
	"github.com/thebtf/distiller/pkg/models"
)

// fakeSynthesizer answers with respond and records the prompts it saw.
type fakeSynthesizer struct {
	respond func(user string) (*ai.Response, error)
	calls   int
	user    []string
	system  []string
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, userPrompt, systemPrompt string) (*ai.Response, error) {
	f.calls++
	f.user = append(f.user, userPrompt)
	f.system = append(f.system, systemPrompt)
	if f.respond == nil {
		return &ai.Response{Type: ai.ResponseNoUnits}, nil
	}
	return f.respond(userPrompt)
}

type env struct {
	store    *gormdb.Store
	frags    *gormdb.FragmentStore
	units    *gormdb.KnowledgeUnitStore
	clusters *gormdb.ClusterStore
	category *gormdb.Category
	synth    *fakeSynthesizer
	writer   *Writer
	engine   *Incremental
	clock    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := gormdb.NewStore(gormdb.Config{
		Path:     filepath.Join(t.TempDir(), "synthesis.db"),
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	refs := gormdb.NewReferenceStore(store)
	cat, err := refs.UpsertCategory(ctx, nil, "Product", "Product decisions")
	require.NoError(t, err)
	require.NoError(t, refs.UpsertPromptTemplate(ctx, nil, models.PromptKnowledgeUnitClustering, "Merge duplicates."))
	require.NoError(t, refs.UpsertPromptTemplate(ctx, nil, models.PromptFragmentWeighting, "Prefer trusted speakers."))

	synth := &fakeSynthesizer{}
	writer := NewWriter(store, synth, nil)
	return &env{
		store:    store,
		frags:    gormdb.NewFragmentStore(store),
		units:    gormdb.NewKnowledgeUnitStore(store),
		clusters: gormdb.NewClusterStore(store),
		category: cat,
		synth:    synth,
		writer:   writer,
		engine:   NewIncremental(store, scan.New(), writer, IncrementalConfig{}),
		clock:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// noEmbedding makes fragment leave the embedding empty.
const noEmbedding = -2

// fragment inserts a fragment whose embedding has cosine sim to [1,0,0].
func (e *env) fragment(t *testing.T, title string, sim float64) *gormdb.Fragment {
	t.Helper()
	e.clock = e.clock.Add(time.Minute)
	f := &gormdb.Fragment{
		Title:      title,
		Summary:    title + " summary",
		Content:    title + " content",
		CategoryID: e.category.ID,
		CreatedAt:  e.clock,
	}
	if sim != noEmbedding {
		f.Embedding = gormdb.NewNullVector([]float32{float32(sim), float32(math.Sqrt(1 - sim*sim)), 0})
	}
	require.NoError(t, e.frags.Create(context.Background(), nil, f))
	return f
}

func (e *env) processedAt(t *testing.T, id int64) *time.Time {
	t.Helper()
	f, err := e.frags.Get(context.Background(), nil, id)
	require.NoError(t, err)
	return f.ClusteringProcessedAt
}

func (e *env) unitCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.store.DB.Model(&gormdb.KnowledgeUnit{}).Count(&n).Error)
	return n
}

func unit(category string, ids ...int64) ai.ProposedUnit {
	return ai.ProposedUnit{
		Title:               "Merged",
		Summary:             "Merged summary",
		Content:             "Merged content",
		Category:            category,
		Confidence:          "high",
		ConfidenceComment:   "Two speakers agree",
		ClusteringRationale: "Same decision",
		FragmentIDs:         ids,
	}
}

func TestIncremental_SeedWithOneCandidateAboveThreshold(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	f1 := e.fragment(t, "alpha", 1.0)
	f2 := e.fragment(t, "beta", 0.90)
	f3 := e.fragment(t, "gamma", 0.80)

	e.synth.respond = func(string) (*ai.Response, error) {
		return &ai.Response{Type: ai.ResponseUnits, Units: []ai.ProposedUnit{unit("product", f1.ID, f2.ID)}}, nil
	}

	var chained []int64
	it, err := e.engine.Step(ctx, func(_ context.Context, created []int64) { chained = created })
	require.NoError(t, err)
	require.True(t, it.Claimed)
	assert.Equal(t, f1.ID, it.SeedID)

	require.Equal(t, 1, e.synth.calls)
	assert.Contains(t, e.synth.user[0], "beta content")
	assert.NotContains(t, e.synth.user[0], "gamma")
	assert.Contains(t, e.synth.system[0], "Merge duplicates.")
	assert.Contains(t, e.synth.system[0], "Prefer trusted speakers.")

	require.Len(t, it.Outcome.Created, 1)
	assert.Equal(t, it.Outcome.Created, chained)

	ku, err := e.units.Get(ctx, nil, it.Outcome.Created[0])
	require.NoError(t, err)
	assert.Equal(t, e.category.ID, ku.CategoryID)
	assert.Equal(t, models.ConfidenceHigh, ku.Confidence)
	assert.Equal(t, "Same decision", ku.ClusteringComment)

	linked, err := e.units.FragmentIDs(ctx, nil, ku.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{f1.ID, f2.ID}, linked)

	assert.NotNil(t, e.processedAt(t, f1.ID))
	assert.NotNil(t, e.processedAt(t, f2.ID))
	assert.Nil(t, e.processedAt(t, f3.ID))
}

func TestIncremental_NoCandidatesMarksSeedOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	seed := e.fragment(t, "lonely", 1.0)
	other := e.fragment(t, "far", 0.10)

	chainedCalled := false
	it, err := e.engine.Step(ctx, func(context.Context, []int64) { chainedCalled = true })
	require.NoError(t, err)
	assert.True(t, it.Claimed)
	assert.Equal(t, seed.ID, it.SeedID)
	assert.Zero(t, e.synth.calls)
	assert.False(t, chainedCalled)
	assert.Zero(t, e.unitCount(t))

	assert.NotNil(t, e.processedAt(t, seed.ID))
	assert.Nil(t, e.processedAt(t, other.ID))
}

func TestIncremental_RejectedProposalsDoNotStopOthers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	f1 := e.fragment(t, "one", 1.0)
	f2 := e.fragment(t, "two", 0.95)
	f3 := e.fragment(t, "three", 0.93)

	e.synth.respond = func(string) (*ai.Response, error) {
		return &ai.Response{Type: ai.ResponseUnits, Units: []ai.ProposedUnit{
			unit("Product", f1.ID),
			unit("Product", f1.ID, f1.ID),
			unit("Unknown", f1.ID, f2.ID),
			unit("Product", f1.ID, 99999),
			unit(" PRODUCT ", f2.ID, f3.ID),
		}}, nil
	}

	it, err := e.engine.Step(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, it.Outcome.Rejected)
	require.Len(t, it.Outcome.Created, 1)
	assert.Equal(t, int64(1), e.unitCount(t))

	linked, err := e.units.FragmentIDs(ctx, nil, it.Outcome.Created[0])
	require.NoError(t, err)
	assert.Equal(t, []int64{f2.ID, f3.ID}, linked)

	for _, f := range []*gormdb.Fragment{f1, f2, f3} {
		assert.NotNil(t, e.processedAt(t, f.ID), "fragment %d should be processed", f.ID)
	}
}

func TestIncremental_EmptyProposalStillProcessesParticipants(t *testing.T) {
	e := newEnv(t)
	f1 := e.fragment(t, "one", 1.0)
	f2 := e.fragment(t, "two", 0.99)

	it, err := e.engine.Step(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, it.Outcome.Created)
	assert.Equal(t, int64(2), it.Outcome.Processed)
	assert.NotNil(t, e.processedAt(t, f1.ID))
	assert.NotNil(t, e.processedAt(t, f2.ID))
}

func TestIncremental_LinkFailureRollsBackUnit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	f1 := e.fragment(t, "one", 1.0)
	f2 := e.fragment(t, "two", 0.99)
	e.synth.respond = func(string) (*ai.Response, error) {
		return &ai.Response{Type: ai.ResponseUnits, Units: []ai.ProposedUnit{unit("Product", f1.ID, f2.ID)}}, nil
	}

	boom := errors.New("link insert failed")
	require.NoError(t, e.store.DB.Callback().Create().Before("gorm:create").Register("test:fail_links", func(db *gorm.DB) {
		if db.Statement.Table == "fragment_knowledge_units" {
			_ = db.AddError(boom)
		}
	}))

	_, err := e.engine.Step(ctx, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	assert.Zero(t, e.unitCount(t))
	assert.Nil(t, e.processedAt(t, f1.ID))
	assert.Nil(t, e.processedAt(t, f2.ID))
}

func TestIncremental_SynthesisFailureRollsBack(t *testing.T) {
	e := newEnv(t)
	f1 := e.fragment(t, "one", 1.0)
	e.fragment(t, "two", 0.99)
	e.synth.respond = func(string) (*ai.Response, error) {
		return nil, ai.ErrUnparseableResponse
	}

	_, err := e.engine.Step(context.Background(), nil)
	assert.ErrorIs(t, err, ai.ErrUnparseableResponse)
	assert.Nil(t, e.processedAt(t, f1.ID))
}

func TestIncremental_MissingPromptTemplate(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.DB.Where("name = ?", models.PromptFragmentWeighting).Delete(&gormdb.PromptTemplate{}).Error)
	f1 := e.fragment(t, "one", 1.0)
	e.fragment(t, "two", 0.99)

	_, err := e.engine.Step(context.Background(), nil)
	assert.ErrorIs(t, err, ErrPromptTemplateMissing)
	assert.Zero(t, e.synth.calls)
	assert.Nil(t, e.processedAt(t, f1.ID))
}

func TestIncremental_LengthCaps(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f1 := e.fragment(t, "one", 1.0)
	f2 := e.fragment(t, "two", 0.99)

	long := func(n int) string { return strings.Repeat("é", n) }
	e.synth.respond = func(string) (*ai.Response, error) {
		return &ai.Response{Type: ai.ResponseUnits, Units: []ai.ProposedUnit{{
			Title:               long(300),
			Summary:             long(900),
			Content:             long(12000),
			Category:            "Product",
			ConfidenceComment:   long(1500),
			ClusteringRationale: long(2500),
			FragmentIDs:         []int64{f1.ID, f2.ID},
		}}}, nil
	}

	it, err := e.engine.Step(ctx, nil)
	require.NoError(t, err)
	require.Len(t, it.Outcome.Created, 1)

	ku, err := e.units.Get(ctx, nil, it.Outcome.Created[0])
	require.NoError(t, err)
	assert.Equal(t, MaxTitleLen, utf8.RuneCountInString(ku.Title))
	assert.Equal(t, MaxSummaryLen, utf8.RuneCountInString(ku.Summary))
	assert.Equal(t, MaxContentLen, utf8.RuneCountInString(ku.Content))
	assert.Equal(t, MaxConfidenceCommentLen, utf8.RuneCountInString(ku.ConfidenceComment))
	assert.Equal(t, MaxRationaleLen, utf8.RuneCountInString(ku.ClusteringComment))
	assert.Equal(t, models.ConfidenceMedium, ku.Confidence)
}

func TestIncremental_WatermarkIsSetOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	f1 := e.fragment(t, "one", 1.0)
	f2 := e.fragment(t, "two", 0.99)
	f3 := e.fragment(t, "three", 0.20)
	e.fragment(t, "unembedded", noEmbedding)

	e.synth.respond = func(string) (*ai.Response, error) {
		return &ai.Response{Type: ai.ResponseUnits, Units: []ai.ProposedUnit{unit("Product", f1.ID, f2.ID)}}, nil
	}

	_, err := e.engine.Step(ctx, nil)
	require.NoError(t, err)
	first := e.processedAt(t, f1.ID)
	require.NotNil(t, first)

	steps := 0
	for {
		it, err := e.engine.Step(ctx, nil)
		require.NoError(t, err)
		if !it.Claimed {
			break
		}
		steps++
		assert.NotContains(t, it.Outcome.Participants, f1.ID)
		assert.NotContains(t, it.Outcome.Participants, f2.ID)
	}
	assert.Equal(t, 1, steps, "only the isolated fragment remains")
	assert.NotNil(t, e.processedAt(t, f3.ID))
	assert.Equal(t, first.UnixNano(), e.processedAt(t, f1.ID).UnixNano())
	assert.Equal(t, int64(1), e.unitCount(t))

	n, err := e.frags.MarkProcessed(ctx, nil, []int64{f1.ID}, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIncremental_NewestFirst(t *testing.T) {
	e := newEnv(t)
	e.fragment(t, "old", 0.10)
	newest := e.fragment(t, "new", 1.0)

	engine := NewIncremental(e.store, scan.New(), e.writer, IncrementalConfig{NewestFirst: true})
	it, err := engine.Step(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, newest.ID, it.SeedID)
}

func TestTraversal_LargestClusterFirst(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a1 := e.fragment(t, "a1", 1.0)
	a2 := e.fragment(t, "a2", 0.9)
	a3 := e.fragment(t, "a3", 0.8)
	b1 := e.fragment(t, "b1", 0.5)
	c1 := e.fragment(t, "c1", 0.4)
	c2 := e.fragment(t, "c2", 0.3)
	_, err := e.frags.MarkProcessed(ctx, nil, []int64{c2.ID}, time.Now().UTC())
	require.NoError(t, err)

	now := time.Now().UTC()
	session := &gormdb.ClusteringSession{
		Method:        "hdbscan",
		FragmentCount: 6,
		ClusterCount:  3,
		Status:        models.ClusteringCompleted,
		CompletedAt:   &now,
	}
	clusters := []gormdb.Cluster{
		{ClusterNumber: 1, FragmentCount: 1, Fragments: []gormdb.Fragment{*b1}},
		{ClusterNumber: 2, FragmentCount: 3, Fragments: []gormdb.Fragment{*a1, *a2, *a3}},
		{ClusterNumber: 3, FragmentCount: 2, Fragments: []gormdb.Fragment{*c1, *c2}},
	}
	require.NoError(t, e.clusters.CreateSession(ctx, nil, session, clusters))

	e.synth.respond = func(string) (*ai.Response, error) {
		return &ai.Response{
			Type:    ai.ResponseUnits,
			Units:   []ai.ProposedUnit{unit("Product", a1.ID, a2.ID)},
			Message: "a3 is unrelated",
		}, nil
	}

	tr := NewTraversal(e.store, e.writer)
	resolved, err := tr.ResolveSession(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, session.ID, resolved.ID)

	var chained int
	after := func(context.Context, []int64) { chained++ }

	it, err := tr.Step(ctx, session.ID, after)
	require.NoError(t, err)
	require.True(t, it.Claimed)
	assert.Equal(t, []int64{a1.ID, a2.ID, a3.ID}, it.Outcome.Participants)
	assert.Len(t, it.Outcome.Created, 1)
	assert.NotNil(t, e.processedAt(t, a3.ID))

	it, err = tr.Step(ctx, session.ID, after)
	require.NoError(t, err)
	assert.Equal(t, []int64{c1.ID}, it.Outcome.Participants)

	it, err = tr.Step(ctx, session.ID, after)
	require.NoError(t, err)
	assert.Equal(t, []int64{b1.ID}, it.Outcome.Participants)

	it, err = tr.Step(ctx, session.ID, after)
	require.NoError(t, err)
	assert.False(t, it.Claimed)

	assert.Equal(t, 1, e.synth.calls)
	assert.Equal(t, 1, chained)

	var annotated gormdb.Cluster
	require.NoError(t, e.store.DB.Where("session_id = ? AND cluster_number = ?", session.ID, 2).First(&annotated).Error)
	assert.Equal(t, "a3 is unrelated", annotated.ClusteringComment)
}

func TestTraversal_NoSession(t *testing.T) {
	e := newEnv(t)
	_, err := NewTraversal(e.store, e.writer).ResolveSession(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNoClusteringSession)
}

func TestCapLen(t *testing.T) {
	assert.Equal(t, "abc", capLen("abc", 5))
	assert.Equal(t, "ab", capLen("abc", 2))
	assert.Equal(t, "日本", capLen("日本語", 2))
}
