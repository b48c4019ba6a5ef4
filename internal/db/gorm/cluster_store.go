package gorm

import (
	"context"

	"gorm.io/gorm"

	"github.com/thebtf/distiller/pkg/models"
)

// ClusterStore reads precomputed clustering sessions.
type ClusterStore struct {
	db *gorm.DB
}

// NewClusterStore creates a new cluster store.
func NewClusterStore(store *Store) *ClusterStore {
	return &ClusterStore{db: store.DB}
}

// LatestCompletedSession returns the most recently completed session, or nil.
func (s *ClusterStore) LatestCompletedSession(ctx context.Context, tx *gorm.DB) (*ClusteringSession, error) {
	var sessions []ClusteringSession
	err := pick(s.db, tx).WithContext(ctx).
		Where("status = ?", models.ClusteringCompleted).
		Order("completed_at DESC, id DESC").
		Limit(1).
		Find(&sessions).Error
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return &sessions[0], nil
}

// GetSession loads one session.
func (s *ClusterStore) GetSession(ctx context.Context, tx *gorm.DB, id int64) (*ClusteringSession, error) {
	var cs ClusteringSession
	if err := pick(s.db, tx).WithContext(ctx).First(&cs, id).Error; err != nil {
		return nil, err
	}
	return &cs, nil
}

// CreateSession inserts a session with its clusters and memberships.
func (s *ClusterStore) CreateSession(ctx context.Context, tx *gorm.DB, cs *ClusteringSession, clusters []Cluster) error {
	db := pick(s.db, tx).WithContext(ctx)
	if err := db.Create(cs).Error; err != nil {
		return err
	}
	for i := range clusters {
		clusters[i].SessionID = cs.ID
		members := clusters[i].Fragments
		clusters[i].Fragments = nil
		if err := db.Omit("Fragments").Create(&clusters[i]).Error; err != nil {
			return err
		}
		if len(members) == 0 {
			continue
		}
		rows := make([]map[string]any, 0, len(members))
		for _, f := range members {
			rows = append(rows, map[string]any{"cluster_id": clusters[i].ID, "fragment_id": f.ID})
		}
		if err := db.Table("cluster_fragments").Create(rows).Error; err != nil {
			return err
		}
		clusters[i].Fragments = members
	}
	return nil
}

// NextCluster picks the session's cluster with the most fragments that still has
// at least one unprocessed fragment. Ties go to the lower cluster number.
// It returns nil when every cluster is exhausted.
func (s *ClusterStore) NextCluster(ctx context.Context, tx *gorm.DB, sessionID int64) (*Cluster, error) {
	var clusters []Cluster
	err := pick(s.db, tx).WithContext(ctx).
		Where("clusters.session_id = ?", sessionID).
		Where(`EXISTS (
			SELECT 1 FROM cluster_fragments cf
			JOIN fragments f ON f.id = cf.fragment_id
			WHERE cf.cluster_id = clusters.id AND f.clustering_processed_at IS NULL
		)`).
		Order("clusters.fragment_count DESC, clusters.cluster_number ASC").
		Limit(1).
		Find(&clusters).Error
	if err != nil || len(clusters) == 0 {
		return nil, err
	}
	return &clusters[0], nil
}

// UnprocessedFragmentIDs returns the cluster's fragments without a watermark, ordered by id.
func (s *ClusterStore) UnprocessedFragmentIDs(ctx context.Context, tx *gorm.DB, clusterID int64) ([]int64, error) {
	var ids []int64
	err := pick(s.db, tx).WithContext(ctx).
		Table("cluster_fragments").
		Joins("JOIN fragments ON fragments.id = cluster_fragments.fragment_id").
		Where("cluster_fragments.cluster_id = ?", clusterID).
		Where("fragments.clustering_processed_at IS NULL").
		Order("fragments.id ASC").
		Pluck("fragments.id", &ids).Error
	return ids, err
}

// SetComment writes the clustering comment on a cluster.
func (s *ClusterStore) SetComment(ctx context.Context, tx *gorm.DB, clusterID int64, comment string) error {
	return pick(s.db, tx).WithContext(ctx).
		Model(&Cluster{}).
		Where("id = ?", clusterID).
		Update("clustering_comment", comment).Error
}
