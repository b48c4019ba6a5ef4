package gorm

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/distiller/pkg/models"
)

func TestFragmentStore_ClaimSeed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fs := NewFragmentStore(store)
	cat := seedCategory(t, store, "Product")

	base := time.Now().UTC().Add(-time.Hour)
	seedFragment(t, store, cat.ID, "no-embedding", nil, base)
	oldest := seedFragment(t, store, cat.ID, "oldest", []float32{1, 0}, base.Add(time.Minute))
	middle := seedFragment(t, store, cat.ID, "middle", []float32{1, 0}, base.Add(2*time.Minute))
	newest := seedFragment(t, store, cat.ID, "newest", []float32{1, 0}, base.Add(3*time.Minute))

	seed, err := fs.ClaimSeed(ctx, nil, false)
	require.NoError(t, err)
	require.NotNil(t, seed)
	assert.Equal(t, oldest.ID, seed.ID)

	seed, err = fs.ClaimSeed(ctx, nil, true)
	require.NoError(t, err)
	require.NotNil(t, seed)
	assert.Equal(t, newest.ID, seed.ID)

	n, err := fs.MarkProcessed(ctx, nil, []int64{oldest.ID, newest.ID}, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	seed, err = fs.ClaimSeed(ctx, nil, false)
	require.NoError(t, err)
	require.NotNil(t, seed)
	assert.Equal(t, middle.ID, seed.ID)

	_, err = fs.MarkProcessed(ctx, nil, []int64{middle.ID}, time.Now().UTC())
	require.NoError(t, err)

	seed, err = fs.ClaimSeed(ctx, nil, false)
	require.NoError(t, err)
	assert.Nil(t, seed)
}

func TestFragmentStore_MarkProcessedIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fs := NewFragmentStore(store)
	cat := seedCategory(t, store, "Product")
	f := seedFragment(t, store, cat.ID, "f", []float32{1}, time.Now().UTC())

	first := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	n, err := fs.MarkProcessed(ctx, nil, []int64{f.ID}, first)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = fs.MarkProcessed(ctx, nil, []int64{f.ID}, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := fs.Get(ctx, nil, f.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ClusteringProcessedAt)
	assert.True(t, got.ClusteringProcessedAt.Equal(first))

	count, err := fs.CountUnprocessed(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFragmentStore_LoadWithContext(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	refs := NewReferenceStore(store)
	fs := NewFragmentStore(store)
	cat := seedCategory(t, store, "Security")

	sp, err := refs.UpsertSpeaker(ctx, nil, "Ari", models.TrustHigh)
	require.NoError(t, err)
	occurred := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	src := &Source{Title: "Weekly sync", SourceType: "meeting", Scope: models.SourceExternal, OccurredAt: &occurred, PrimarySpeakerID: &sp.ID}
	require.NoError(t, refs.CreateSource(ctx, nil, src))
	tags, err := refs.EnsureTags(ctx, nil, []string{"zeta", "alpha"})
	require.NoError(t, err)

	f := &Fragment{Title: "t", Content: "c", CategoryID: cat.ID, SourceID: &src.ID, Tags: tags, Confidence: models.ConfidenceHigh}
	require.NoError(t, fs.Create(ctx, nil, f))

	loaded, err := fs.LoadWithContext(ctx, nil, []int64{f.ID})
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]
	require.NotNil(t, got.Category)
	assert.Equal(t, "Security", got.Category.Name)
	require.NotNil(t, got.Source)
	require.NotNil(t, got.Source.PrimarySpeaker)
	assert.Equal(t, "Ari", got.Source.PrimarySpeaker.Name)
	assert.Equal(t, models.SourceExternal, got.Source.Scope)
	require.Len(t, got.Tags, 2)
	assert.Equal(t, "alpha", got.Tags[0].Name)
	assert.Equal(t, models.ConfidenceHigh, got.Confidence)
}

func TestFragmentStore_Embeddings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fs := NewFragmentStore(store)
	cat := seedCategory(t, store, "Product")
	base := time.Now().UTC().Add(-time.Hour)

	second := seedFragment(t, store, cat.ID, "second", nil, base.Add(time.Minute))
	first := seedFragment(t, store, cat.ID, "first", nil, base)
	seedFragment(t, store, cat.ID, "done", []float32{1}, base)

	missing, err := fs.ListMissingEmbedding(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, missing, 2)
	assert.Equal(t, first.ID, missing[0].ID)
	assert.Equal(t, second.ID, missing[1].ID)

	require.NoError(t, fs.SetEmbedding(ctx, nil, first.ID, []float32{0.1, 0.2}))
	missing, err = fs.ListMissingEmbedding(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, second.ID, missing[0].ID)
}

func TestKnowledgeUnitStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ks := NewKnowledgeUnitStore(store)
	cat := seedCategory(t, store, "Product")
	f1 := seedFragment(t, store, cat.ID, "f1", []float32{1}, time.Now().UTC())
	f2 := seedFragment(t, store, cat.ID, "f2", []float32{1}, time.Now().UTC())

	ku := &KnowledgeUnit{Title: "unit", Content: "body", CategoryID: cat.ID}
	require.NoError(t, ks.CreateWithFragments(ctx, nil, ku, []int64{f2.ID, f1.ID}))
	assert.NotZero(t, ku.ID)
	assert.Equal(t, models.ConfidenceMedium, ku.Confidence)

	ids, err := ks.FragmentIDs(ctx, nil, ku.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{f1.ID, f2.ID}, ids)

	t.Run("link pair is unique", func(t *testing.T) {
		err := store.DB.Create(&FragmentKnowledgeUnit{FragmentID: f1.ID, KnowledgeUnitID: ku.ID}).Error
		assert.Error(t, err)
	})

	t.Run("missing embeddings skip deleted units", func(t *testing.T) {
		other := &KnowledgeUnit{Title: "deleted", CategoryID: cat.ID}
		require.NoError(t, ks.CreateWithFragments(ctx, nil, other, []int64{f1.ID, f2.ID}))
		require.NoError(t, ks.SoftDelete(ctx, nil, other.ID))

		missing, err := ks.ListMissingEmbedding(ctx, nil, 10)
		require.NoError(t, err)
		require.Len(t, missing, 1)
		assert.Equal(t, ku.ID, missing[0].ID)

		require.NoError(t, ks.SetEmbedding(ctx, nil, ku.ID, []float32{1, 2}))
		missing, err = ks.ListMissingEmbedding(ctx, nil, 10)
		require.NoError(t, err)
		assert.Empty(t, missing)

		n, err := ks.Count(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("links cascade with the fragment", func(t *testing.T) {
		require.NoError(t, store.DB.Delete(&Fragment{}, f2.ID).Error)
		ids, err := ks.FragmentIDs(ctx, nil, ku.ID)
		require.NoError(t, err)
		assert.Equal(t, []int64{f1.ID}, ids)
	})
}

func TestClusterStore_NextCluster(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cs := NewClusterStore(store)
	fs := NewFragmentStore(store)
	cat := seedCategory(t, store, "Product")

	var frags []Fragment
	for i := 0; i < 7; i++ {
		frags = append(frags, *seedFragment(t, store, cat.ID, "f", nil, time.Now().UTC()))
	}

	completed := time.Now().UTC()
	session := &ClusteringSession{Method: "hdbscan", FragmentCount: 7, ClusterCount: 3, Status: models.ClusteringCompleted, CompletedAt: &completed}
	clusters := []Cluster{
		{ClusterNumber: 2, FragmentCount: 3, Fragments: frags[0:3]},
		{ClusterNumber: 1, FragmentCount: 3, Fragments: frags[3:6]},
		{ClusterNumber: 3, FragmentCount: 1, Fragments: frags[6:7]},
	}
	require.NoError(t, cs.CreateSession(ctx, nil, session, clusters))

	latest, err := cs.LatestCompletedSession(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, session.ID, latest.ID)

	next, err := cs.NextCluster(ctx, nil, session.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.ClusterNumber, "ties go to the lower cluster number")

	ids, err := cs.UnprocessedFragmentIDs(ctx, nil, next.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{frags[3].ID, frags[4].ID, frags[5].ID}, ids)

	_, err = fs.MarkProcessed(ctx, nil, []int64{frags[3].ID}, time.Now().UTC())
	require.NoError(t, err)
	ids, err = cs.UnprocessedFragmentIDs(ctx, nil, next.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{frags[4].ID, frags[5].ID}, ids)

	_, err = fs.MarkProcessed(ctx, nil, ids, time.Now().UTC())
	require.NoError(t, err)
	next, err = cs.NextCluster(ctx, nil, session.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 2, next.ClusterNumber)

	require.NoError(t, cs.SetComment(ctx, nil, next.ID, "merged"))
	_, err = fs.MarkProcessed(ctx, nil, []int64{frags[0].ID, frags[1].ID, frags[2].ID, frags[6].ID}, time.Now().UTC())
	require.NoError(t, err)
	next, err = cs.NextCluster(ctx, nil, session.ID)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestJobStore_ClaimNext(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	js := NewJobStore(store)
	opts := ClaimOptions{RetryDelay: time.Minute, StaleRunning: 10 * time.Minute}

	past := time.Now().UTC().Add(-time.Second)
	a := &JobRun{JobType: "alpha", RunAt: past}
	future := &JobRun{JobType: "gamma", Status: JobStatusScheduled, RunAt: time.Now().UTC().Add(time.Hour)}
	c := &JobRun{JobType: "beta", RunAt: past.Add(2 * time.Millisecond)}
	for _, j := range []*JobRun{a, future, c} {
		require.NoError(t, js.Create(ctx, nil, j))
	}
	assert.Error(t, js.Create(ctx, nil, &JobRun{JobType: "alpha", RunAt: past}), "second pending alpha")

	got, err := js.ClaimNext(ctx, opts)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, JobStatusRunning, got.Status)

	// One pending alpha may exist while another alpha runs.
	b := &JobRun{JobType: "alpha", RunAt: past.Add(time.Millisecond)}
	require.NoError(t, js.Create(ctx, nil, b))

	// alpha is running, so the second alpha waits and beta goes next.
	got, err = js.ClaimNext(ctx, opts)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.ID, got.ID)

	got, err = js.ClaimNext(ctx, opts)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, js.UpdateFields(ctx, nil, a.ID, map[string]any{"status": JobStatusSucceeded}))
	got, err = js.ClaimNext(ctx, opts)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b.ID, got.ID)
}

func TestJobStore_RetryAndStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	js := NewJobStore(store)
	opts := ClaimOptions{RetryDelay: time.Minute, StaleRunning: 10 * time.Minute}

	longAgo := time.Now().UTC().Add(-time.Hour)
	recent := time.Now().UTC()

	retryable := &JobRun{JobType: "retry", Status: JobStatusFailed, Attempts: 1, MaxAttempts: 3, LastErrorAt: &longAgo}
	tooSoon := &JobRun{JobType: "soon", Status: JobStatusFailed, Attempts: 1, MaxAttempts: 3, LastErrorAt: &recent}
	exhausted := &JobRun{JobType: "exhausted", Status: JobStatusFailed, Attempts: 3, MaxAttempts: 3, LastErrorAt: &longAgo}
	stale := &JobRun{JobType: "stale", Status: JobStatusRunning, Attempts: 1, MaxAttempts: 3, HeartbeatAt: &longAgo}
	for _, j := range []*JobRun{retryable, tooSoon, exhausted, stale} {
		require.NoError(t, js.Create(ctx, nil, j))
	}

	claimed := map[uuid.UUID]bool{}
	for {
		got, err := js.ClaimNext(ctx, opts)
		require.NoError(t, err)
		if got == nil {
			break
		}
		claimed[got.ID] = true
	}
	assert.True(t, claimed[retryable.ID])
	assert.True(t, claimed[stale.ID])
	assert.False(t, claimed[tooSoon.ID])
	assert.False(t, claimed[exhausted.ID])
	assert.Len(t, claimed, 2)
}

func TestJobStore_PendingAndChildren(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	js := NewJobStore(store)

	parent := &JobRun{JobType: "cluster_fragments", Status: JobStatusRunning}
	require.NoError(t, js.Create(ctx, nil, parent))
	child := &JobRun{JobType: "embed_knowledge_units", Status: JobStatusAwaitingParent, ParentID: &parent.ID}
	require.NoError(t, js.Create(ctx, nil, child))

	pending, err := js.FindPending(ctx, nil, "embed_knowledge_units", uuid.Nil)
	require.NoError(t, err)
	assert.Nil(t, pending, "children waiting on a parent are not pending")

	queued := &JobRun{JobType: "embed_knowledge_units"}
	require.NoError(t, js.Create(ctx, nil, queued))
	pending, err = js.FindPending(ctx, nil, "embed_knowledge_units", uuid.Nil)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, queued.ID, pending.ID)

	pending, err = js.FindPending(ctx, nil, "embed_knowledge_units", queued.ID)
	require.NoError(t, err)
	assert.Nil(t, pending)

	children, err := js.Children(ctx, nil, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)

	n, err := js.CancelChildren(ctx, nil, parent.ID, "parent dead")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := js.Get(ctx, nil, child.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCanceled, got.Status)

	counts, err := js.CountByStatus(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[JobStatusRunning])
	assert.Equal(t, int64(1), counts[JobStatusQueued])
	assert.Equal(t, int64(1), counts[JobStatusCanceled])
}
