// Package seed imports reference data, fragments and clustering sessions from YAML.
package seed

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	gormdb "github.com/thebtf/distiller/internal/db/gorm"
	"github.com/thebtf/distiller/pkg/models"
)

// Category is a category definition.
type Category struct {
	Name     string `yaml:"name"`
	Guidance string `yaml:"guidance"`
}

// Speaker is a speaker with a trust level.
type Speaker struct {
	Name  string `yaml:"name"`
	Trust string `yaml:"trust"`
}

// Source is where fragments came from. Key is how fragments refer to it.
type Source struct {
	Key        string     `yaml:"key"`
	Title      string     `yaml:"title"`
	Type       string     `yaml:"type"`
	Scope      string     `yaml:"scope"`
	OccurredAt *time.Time `yaml:"occurred_at"`
	Speaker    string     `yaml:"speaker"`
}

// Fragment is one fragment. Key is how clusters refer to it.
type Fragment struct {
	Key               string     `yaml:"key"`
	Title             string     `yaml:"title"`
	Summary           string     `yaml:"summary"`
	Content           string     `yaml:"content"`
	Category          string     `yaml:"category"`
	Confidence        string     `yaml:"confidence"`
	ConfidenceComment string     `yaml:"confidence_comment"`
	Source            string     `yaml:"source"`
	Tags              []string   `yaml:"tags"`
	Embedding         []float32  `yaml:"embedding"`
	CreatedAt         *time.Time `yaml:"created_at"`
}

// Cluster lists fragment keys.
type Cluster struct {
	Number    int      `yaml:"number"`
	Fragments []string `yaml:"fragments"`
}

// Session is a completed offline clustering run.
type Session struct {
	Method   string    `yaml:"method"`
	Clusters []Cluster `yaml:"clusters"`
}

// File is the top-level YAML structure.
type File struct {
	Categories      []Category        `yaml:"categories"`
	PromptTemplates map[string]string `yaml:"prompt_templates"`
	Speakers        []Speaker         `yaml:"speakers"`
	Sources         []Source          `yaml:"sources"`
	Fragments       []Fragment        `yaml:"fragments"`
	Sessions        []Session         `yaml:"clustering_sessions"`
}

// Report counts what an import did.
type Report struct {
	Categories       int
	PromptTemplates  int
	Speakers         int
	Sources          int
	Fragments        int
	FragmentFailures int
	Sessions         int
}

// Load reads and parses the YAML file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a seed document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	return &f, nil
}

// Importer writes seed files into a store.
type Importer struct {
	store *gormdb.Store
	refs  *gormdb.ReferenceStore
	frags *gormdb.FragmentStore
	clus  *gormdb.ClusterStore
}

// NewImporter creates an importer.
func NewImporter(store *gormdb.Store) *Importer {
	return &Importer{
		store: store,
		refs:  gormdb.NewReferenceStore(store),
		frags: gormdb.NewFragmentStore(store),
		clus:  gormdb.NewClusterStore(store),
	}
}

// Import writes f. Reference data commits in one transaction. Each fragment
// gets its own transaction; a failing fragment is logged and skipped. Sessions
// referring to skipped fragments fail the import.
func (im *Importer) Import(ctx context.Context, f *File) (*Report, error) {
	rep := &Report{}
	sources := map[string]int64{}

	err := im.store.RunInTransaction(ctx, func(ctx context.Context, tx *gormdb.Tx) error {
		for _, c := range f.Categories {
			if _, err := im.refs.UpsertCategory(ctx, tx.DB, c.Name, c.Guidance); err != nil {
				return fmt.Errorf("category %q: %w", c.Name, err)
			}
			rep.Categories++
		}
		for name, body := range f.PromptTemplates {
			if err := im.refs.UpsertPromptTemplate(ctx, tx.DB, models.PromptTemplateName(name), body); err != nil {
				return fmt.Errorf("prompt template %q: %w", name, err)
			}
			rep.PromptTemplates++
		}
		speakers := map[string]int64{}
		for _, s := range f.Speakers {
			sp, err := im.refs.UpsertSpeaker(ctx, tx.DB, s.Name, models.ParseTrustLevel(s.Trust))
			if err != nil {
				return fmt.Errorf("speaker %q: %w", s.Name, err)
			}
			speakers[s.Name] = sp.ID
			rep.Speakers++
		}
		for _, s := range f.Sources {
			src := &gormdb.Source{
				Title:      s.Title,
				SourceType: s.Type,
				Scope:      parseScope(s.Scope),
				OccurredAt: s.OccurredAt,
			}
			if s.Speaker != "" {
				id, ok := speakers[s.Speaker]
				if !ok {
					return fmt.Errorf("source %q: unknown speaker %q", s.Key, s.Speaker)
				}
				src.PrimarySpeakerID = &id
			}
			if err := im.refs.CreateSource(ctx, tx.DB, src); err != nil {
				return fmt.Errorf("source %q: %w", s.Key, err)
			}
			sources[s.Key] = src.ID
			rep.Sources++
		}
		return nil
	})
	if err != nil {
		return rep, err
	}

	fragments := map[string]int64{}
	for i, sf := range f.Fragments {
		id, err := im.importFragment(ctx, sf, sources)
		if err != nil {
			rep.FragmentFailures++
			log.Warn().Err(err).Int("index", i).Str("key", sf.Key).Msg("Skipping seed fragment")
			continue
		}
		if sf.Key != "" {
			fragments[sf.Key] = id
		}
		rep.Fragments++
	}

	for i, s := range f.Sessions {
		if err := im.importSession(ctx, s, fragments); err != nil {
			return rep, fmt.Errorf("clustering session %d: %w", i, err)
		}
		rep.Sessions++
	}

	log.Info().
		Int("categories", rep.Categories).
		Int("fragments", rep.Fragments).
		Int("fragmentFailures", rep.FragmentFailures).
		Int("sessions", rep.Sessions).
		Msg("Seed imported")
	return rep, nil
}

func (im *Importer) importFragment(ctx context.Context, sf Fragment, sources map[string]int64) (int64, error) {
	return gormdb.RunInTransactionResult(ctx, im.store, func(ctx context.Context, tx *gormdb.Tx) (int64, error) {
		cat, err := im.refs.CategoryByName(ctx, tx.DB, sf.Category)
		if gormdb.IsNotFound(err) {
			return 0, fmt.Errorf("unknown category %q", sf.Category)
		}
		if err != nil {
			return 0, fmt.Errorf("category %q: %w", sf.Category, err)
		}
		frag := &gormdb.Fragment{
			Title:             sf.Title,
			Summary:           sf.Summary,
			Content:           sf.Content,
			CategoryID:        cat.ID,
			Confidence:        models.ParseConfidenceLevel(sf.Confidence),
			ConfidenceComment: sf.ConfidenceComment,
		}
		if sf.CreatedAt != nil {
			frag.CreatedAt = sf.CreatedAt.UTC()
		}
		if len(sf.Embedding) > 0 {
			frag.Embedding = gormdb.NewNullVector(sf.Embedding)
		}
		if sf.Source != "" {
			id, ok := sources[sf.Source]
			if !ok {
				return 0, fmt.Errorf("unknown source %q", sf.Source)
			}
			frag.SourceID = &id
		}
		if len(sf.Tags) > 0 {
			tags, err := im.refs.EnsureTags(ctx, tx.DB, sf.Tags)
			if err != nil {
				return 0, fmt.Errorf("tags: %w", err)
			}
			frag.Tags = dedupeTags(tags)
		}
		if err := im.frags.Create(ctx, tx.DB, frag); err != nil {
			return 0, err
		}
		return frag.ID, nil
	})
}

func (im *Importer) importSession(ctx context.Context, s Session, fragments map[string]int64) error {
	return im.store.RunInTransaction(ctx, func(ctx context.Context, tx *gormdb.Tx) error {
		now := time.Now().UTC()
		cs := &gormdb.ClusteringSession{
			Method:      s.Method,
			Status:      models.ClusteringCompleted,
			CompletedAt: &now,
		}
		clusters := make([]gormdb.Cluster, 0, len(s.Clusters))
		total := 0
		for _, c := range s.Clusters {
			cl := gormdb.Cluster{ClusterNumber: c.Number, FragmentCount: len(c.Fragments)}
			for _, key := range c.Fragments {
				id, ok := fragments[key]
				if !ok {
					return fmt.Errorf("cluster %d: unknown fragment %q", c.Number, key)
				}
				cl.Fragments = append(cl.Fragments, gormdb.Fragment{ID: id})
			}
			total += len(c.Fragments)
			clusters = append(clusters, cl)
		}
		cs.FragmentCount = total
		cs.ClusterCount = len(clusters)
		return im.clus.CreateSession(ctx, tx.DB, cs, clusters)
	})
}

func parseScope(s string) models.SourceScope {
	if strings.EqualFold(strings.TrimSpace(s), string(models.SourceExternal)) {
		return models.SourceExternal
	}
	return models.SourceInternal
}

func dedupeTags(tags []gormdb.Tag) []gormdb.Tag {
	seen := make(map[int64]bool, len(tags))
	out := make([]gormdb.Tag, 0, len(tags))
	for _, t := range tags {
		if !seen[t.ID] {
			seen[t.ID] = true
			out = append(out, t)
		}
	}
	return out
}
