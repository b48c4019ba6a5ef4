package synthesis

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/rs/zerolog/log"

	gormdb "github.com/thebtf/distiller/internal/db/gorm"
)

// ErrNoClusteringSession means no completed session exists to traverse.
var ErrNoClusteringSession = goerr.New("no completed clustering session")

// Traversal synthesizes knowledge units from the clusters of one precomputed
// clustering session, largest remaining cluster first.
type Traversal struct {
	store    *gormdb.Store
	frags    *gormdb.FragmentStore
	clusters *gormdb.ClusterStore
	writer   *Writer
}

// NewTraversal creates a traversal engine.
func NewTraversal(store *gormdb.Store, writer *Writer) *Traversal {
	return &Traversal{
		store:    store,
		frags:    gormdb.NewFragmentStore(store),
		clusters: gormdb.NewClusterStore(store),
		writer:   writer,
	}
}

// ResolveSession returns sessionID when set, otherwise the latest completed session.
func (t *Traversal) ResolveSession(ctx context.Context, sessionID int64) (*gormdb.ClusteringSession, error) {
	if sessionID != 0 {
		cs, err := t.clusters.GetSession(ctx, nil, sessionID)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to load clustering session", goerr.V("session_id", sessionID))
		}
		return cs, nil
	}
	cs, err := t.clusters.LatestCompletedSession(ctx, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load latest clustering session")
	}
	if cs == nil {
		return nil, ErrNoClusteringSession
	}
	return cs, nil
}

// Step processes the largest cluster of sessionID that still has unprocessed
// fragments, in its own transaction.
func (t *Traversal) Step(ctx context.Context, sessionID int64, afterCommit func(ctx context.Context, created []int64)) (*IterationResult, error) {
	return gormdb.RunInTransactionResult(ctx, t.store, func(ctx context.Context, tx *gormdb.Tx) (*IterationResult, error) {
		cluster, err := t.clusters.NextCluster(ctx, tx.DB, sessionID)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to select next cluster", goerr.V("session_id", sessionID))
		}
		if cluster == nil {
			return &IterationResult{}, nil
		}
		res := &IterationResult{Claimed: true}

		ids, err := t.clusters.UnprocessedFragmentIDs(ctx, tx.DB, cluster.ID)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list cluster fragments", goerr.V("cluster_id", cluster.ID))
		}

		var (
			outcome *Outcome
			comment string
		)
		if len(ids) < 2 {
			n, err := t.writer.MarkProcessed(ctx, tx.DB, StrategyPrecomputed, ids)
			if err != nil {
				return nil, err
			}
			outcome = &Outcome{Participants: ids, Processed: n}
			comment = "single remaining fragment, nothing to merge"
		} else {
			participants, err := t.frags.LoadWithContext(ctx, tx.DB, ids)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to load cluster fragments", goerr.V("cluster_id", cluster.ID))
			}
			outcome, err = t.writer.Synthesize(ctx, tx.DB, StrategyPrecomputed, participants)
			if err != nil {
				return nil, goerr.Wrap(err, "cluster traversal iteration failed", goerr.V("cluster_id", cluster.ID))
			}
			comment = outcome.Message
			if comment == "" {
				comment = fmt.Sprintf("%d knowledge units from %d fragments, %d proposals rejected",
					len(outcome.Created), len(participants), outcome.Rejected)
			}
		}
		res.Outcome = outcome

		if err := t.clusters.SetComment(ctx, tx.DB, cluster.ID, capLen(comment, MaxRationaleLen)); err != nil {
			return nil, goerr.Wrap(err, "failed to annotate cluster", goerr.V("cluster_id", cluster.ID))
		}

		if afterCommit != nil && len(outcome.Created) > 0 {
			created := outcome.Created
			tx.AfterCommit(func(ctx context.Context) { afterCommit(ctx, created) })
		}

		log.Info().
			Int64("sessionId", sessionID).
			Int64("clusterId", cluster.ID).
			Int("clusterNumber", cluster.ClusterNumber).
			Int("fragments", len(ids)).
			Int("created", len(outcome.Created)).
			Msg("Cluster traversal iteration complete")
		return res, nil
	})
}
