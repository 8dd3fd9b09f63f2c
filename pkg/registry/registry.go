package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jllopis/fabrica/pkg/embedding"
	"github.com/jllopis/fabrica/pkg/errors"
	"github.com/jllopis/fabrica/pkg/index"
	"github.com/jllopis/fabrica/pkg/telemetry"
)

const (
	// CollectionContent holds content (T_orig) embeddings.
	CollectionContent = "fabrica_components_content"

	// CollectionApplicability holds applicability (T_raz) embeddings.
	CollectionApplicability = "fabrica_components_applicability"

	// DefaultAlpha is the default fusion weight between content and
	// applicability similarity. Tunable via Options.Alpha or per search call.
	DefaultAlpha = 0.6
)

// Options configures a Registry.
type Options struct {
	// Alpha is the default fusion weight α: score = α·content + (1−α)·applicability.
	Alpha float64

	// VectorSize is the embedding dimensionality used for collection creation.
	VectorSize uint64

	// Metrics receives search latency histograms. Nil disables metric
	// emission.
	Metrics *telemetry.ErrorMetrics

	Logger *slog.Logger
}

// Registry owns component records: registration, dual-embedding search,
// evolution with optimistic versioning, and deprecation. Reads are served from
// store snapshots; writes are serialized per lineage by the store's
// expected-version check. The vector index is a derived projection and may lag
// briefly behind the store.
type Registry struct {
	store   Store
	index   index.VectorStore
	svc     embedding.Service
	alpha   float64
	dims    uint64
	metrics *telemetry.ErrorMetrics
	logger  *slog.Logger
}

// New creates a Registry and ensures both index collections exist.
func New(ctx context.Context, store Store, idx index.VectorStore, svc embedding.Service, opts Options) (*Registry, error) {
	if store == nil || idx == nil || svc == nil {
		return nil, errors.New(errors.CodeInvalidInput, "store, index and embedding service are required", nil)
	}
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = DefaultAlpha
	}
	if opts.VectorSize == 0 {
		opts.VectorSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	for _, coll := range []string{CollectionContent, CollectionApplicability} {
		if err := idx.EnsureCollection(ctx, coll, opts.VectorSize); err != nil {
			return nil, errors.New(errors.CodeStoreError, "ensure index collection", err).
				WithContext("collection", coll)
		}
	}

	return &Registry{
		store:   store,
		index:   idx,
		svc:     svc,
		alpha:   opts.Alpha,
		dims:    opts.VectorSize,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}, nil
}

// Register assigns an id, persists version 1 as active and indexes both
// embeddings. If the text/embedding collaborator is unavailable the component
// is still registered with content-only indexing (or unindexed if even the
// content embedding fails); the failure is logged, never surfaced.
func (r *Registry) Register(ctx context.Context, draft Draft) (*Component, error) {
	if strings.TrimSpace(draft.Content) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "draft content is required", nil)
	}
	if draft.Kind != KindAgent && draft.Kind != KindTool {
		return nil, errors.New(errors.CodeInvalidInput, "draft kind must be agent or tool", nil).
			WithContext("kind", string(draft.Kind))
	}

	now := time.Now().UTC()
	c := Component{
		ID:        uuid.NewString(),
		Version:   1,
		Status:    StatusActive,
		Kind:      draft.Kind,
		Name:      draft.Name,
		Content:   draft.Content,
		Tags:      append([]string(nil), draft.Tags...),
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.enrich(ctx, &c, "")

	if err := r.store.Insert(ctx, c); err != nil {
		return nil, err
	}
	r.indexComponent(ctx, c)
	return &c, nil
}

// enrich derives the applicability text and both embeddings, degrading to
// content-only indexing when the collaborator fails. targetDomain is empty
// except for domain_adaptation evolutions.
func (r *Registry) enrich(ctx context.Context, c *Component, targetDomain string) {
	applicability, err := r.svc.Generate(ctx, applicabilityPrompt(c, targetDomain))
	if err != nil {
		r.logger.WarnContext(ctx, "applicability generation failed, degrading to content-only indexing",
			"component_id", c.ID, "version", c.Version, "error", err)
		r.metrics.RecordErrorMetric(ctx, err, "registry.embedding")
	} else {
		c.Applicability = applicability
	}

	vec, err := r.svc.Embed(ctx, c.Content)
	if err != nil {
		r.logger.WarnContext(ctx, "content embedding failed, component stored unindexed",
			"component_id", c.ID, "version", c.Version, "error", err)
		r.metrics.RecordErrorMetric(ctx, err, "registry.embedding")
		c.ContentVector = nil
		c.ApplicabilityVector = nil
		return
	}
	c.ContentVector = vec

	if c.Applicability == "" {
		return
	}
	vec, err = r.svc.Embed(ctx, c.Applicability)
	if err != nil {
		r.logger.WarnContext(ctx, "applicability embedding failed, degrading to content-only indexing",
			"component_id", c.ID, "version", c.Version, "error", err)
		c.ApplicabilityVector = nil
		return
	}
	c.ApplicabilityVector = vec
}

func applicabilityPrompt(c *Component, targetDomain string) string {
	var b strings.Builder
	b.WriteString("Describe the situations and tasks this ")
	b.WriteString(string(c.Kind))
	b.WriteString(" is useful for.")
	if targetDomain != "" {
		b.WriteString(" Focus on the ")
		b.WriteString(targetDomain)
		b.WriteString(" domain.")
	}
	if len(c.Tags) > 0 {
		b.WriteString(" Tags: ")
		b.WriteString(strings.Join(c.Tags, ", "))
		b.WriteString(".")
	}
	b.WriteString("\n\nDefinition:\n")
	b.WriteString(c.Content)
	return b.String()
}

// Search embeds the query once and ranks active components by the fused score
// α·cos(content, q) + (1−α)·cos(applicability, q). For records indexed without
// an applicability embedding the fused score is renormalized over the weight
// actually available, so degraded components still compete on content alone.
// Ties break by higher version, then lexicographic id. alpha < 0 selects the
// registry default.
func (r *Registry) Search(ctx context.Context, query, taskContext string, topK int, alpha float64) ([]Match, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "query is required", nil)
	}
	if topK <= 0 {
		topK = 5
	}
	if alpha < 0 {
		alpha = r.alpha
	}
	if alpha > 1 {
		alpha = 1
	}

	start := time.Now()

	text := query
	if taskContext != "" {
		text = query + "\n" + taskContext
	}
	qvec, err := r.svc.Embed(ctx, text)
	if err != nil {
		return nil, errors.New(errors.CodeEmbeddingFailure, "query embedding failed", err).
			WithRecoverable(true)
	}

	// Oversample both collections so renormalized and tie-broken results are
	// stable at the requested depth.
	limit := topK * 8
	if limit < 64 {
		limit = 64
	}
	contentHits, err := r.index.Search(ctx, CollectionContent, qvec, limit, 0)
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "content index search", err)
	}
	applicHits, err := r.index.Search(ctx, CollectionApplicability, qvec, limit, 0)
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "applicability index search", err)
	}

	type fused struct {
		id       string
		version  int
		content  float64
		applic   float64
		hasApplc bool
	}
	merged := make(map[string]*fused)
	keyOf := func(payload map[string]interface{}) (string, *fused) {
		id, _ := payload["component_id"].(string)
		if id == "" {
			return "", nil
		}
		version := payloadInt(payload["version"])
		key := fmt.Sprintf("%s:%d", id, version)
		f, ok := merged[key]
		if !ok {
			f = &fused{id: id, version: version}
			merged[key] = f
		}
		return key, f
	}

	for _, hit := range contentHits {
		_, f := keyOf(hit.Payload)
		if f == nil {
			continue
		}
		f.content = float64(hit.Score)
		f.hasApplc, _ = hit.Payload["has_applicability"].(bool)
	}
	for _, hit := range applicHits {
		_, f := keyOf(hit.Payload)
		if f == nil {
			continue
		}
		f.applic = float64(hit.Score)
		f.hasApplc = true
	}

	scored := make([]fused, 0, len(merged))
	scores := make(map[string]float64, len(merged))
	for key, f := range merged {
		score := alpha * f.content
		if f.hasApplc {
			score += (1 - alpha) * f.applic
		} else if alpha > 0 {
			// Only the content weight is available for this record.
			score = f.content
		}
		scores[key] = score
		scored = append(scored, *f)
	}

	sort.Slice(scored, func(i, j int) bool {
		ki := fmt.Sprintf("%s:%d", scored[i].id, scored[i].version)
		kj := fmt.Sprintf("%s:%d", scored[j].id, scored[j].version)
		if scores[ki] != scores[kj] {
			return scores[ki] > scores[kj]
		}
		if scored[i].version != scored[j].version {
			return scored[i].version > scored[j].version
		}
		return scored[i].id < scored[j].id
	})

	out := make([]Match, 0, topK)
	for _, f := range scored {
		if len(out) == topK {
			break
		}
		c, err := r.store.Get(ctx, f.id, f.version)
		if err != nil {
			// Index may briefly reference records the store no longer returns.
			r.logger.DebugContext(ctx, "skipping stale index hit",
				"component_id", f.id, "version", f.version)
			continue
		}
		if c.Status != StatusActive {
			continue
		}
		out = append(out, Match{Component: *c, Score: scores[fmt.Sprintf("%s:%d", f.id, f.version)]})
	}
	r.metrics.RecordSearchDuration(ctx, time.Since(start).Seconds()*1000, len(out))
	return out, nil
}

// Evolve creates the next version of a lineage. The caller supplies the
// version it read; if another writer committed first the store rejects the
// swap with VERSION_CONFLICT and the caller must re-read and retry.
func (r *Registry) Evolve(ctx context.Context, baseID string, spec EvolveSpec) (*Component, error) {
	cur, err := r.store.Active(ctx, baseID)
	if err != nil {
		return nil, err
	}
	if cur.Version != spec.ExpectedVersion {
		return nil, errors.New(errors.CodeVersionConflict, "active version changed since read", nil).
			WithContext("id", baseID).
			WithContext("expected", spec.ExpectedVersion).
			WithContext("actual", cur.Version).
			WithRecoverable(true)
	}

	strategy := spec.Strategy
	if strategy == "" {
		strategy = StrategyStandard
	}
	if strategy == StrategyDomainAdaptation && strings.TrimSpace(spec.TargetDomain) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "domain_adaptation requires a target domain", nil)
	}

	now := time.Now().UTC()
	next := Component{
		ID:            cur.ID,
		Version:       cur.Version + 1,
		ParentVersion: cur.Version,
		Status:        StatusActive,
		Kind:          cur.Kind,
		Name:          cur.Name,
		Content:       spec.Content,
		Tags:          append([]string(nil), spec.Tags...),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if next.Content == "" {
		next.Content = cur.Content
	}
	if len(next.Tags) == 0 {
		next.Tags = append([]string(nil), cur.Tags...)
	}

	switch strategy {
	case StrategyConservative:
		// Reuse the prior applicability verbatim; only the content embedding
		// reflects the change.
		next.Applicability = cur.Applicability
		next.ApplicabilityVector = append([]float32(nil), cur.ApplicabilityVector...)
		vec, err := r.svc.Embed(ctx, next.Content)
		if err != nil {
			r.logger.WarnContext(ctx, "content embedding failed during conservative evolve, reusing prior vector",
				"component_id", next.ID, "version", next.Version, "error", err)
			next.ContentVector = append([]float32(nil), cur.ContentVector...)
		} else {
			next.ContentVector = vec
		}
	case StrategyStandard:
		r.enrich(ctx, &next, "")
	case StrategyAggressive:
		// Same derivation as standard; the distinction is that nothing from
		// the parent is ever reused, even when the content is unchanged.
		r.enrich(ctx, &next, "")
	case StrategyDomainAdaptation:
		r.enrich(ctx, &next, spec.TargetDomain)
	default:
		return nil, errors.New(errors.CodeInvalidInput, "unknown evolution strategy", nil).
			WithContext("strategy", string(strategy))
	}

	if err := r.store.CommitEvolution(ctx, next, spec.ExpectedVersion); err != nil {
		return nil, err
	}

	r.removeVersion(ctx, next.ID, cur.Version)
	r.indexComponent(ctx, next)
	return &next, nil
}

// Deprecate marks a version deprecated without removing it and withdraws its
// index points. History stays immutable; only the status field mutates.
func (r *Registry) Deprecate(ctx context.Context, id string, version int) error {
	if err := r.store.SetStatus(ctx, id, version, StatusDeprecated); err != nil {
		return err
	}
	r.removeVersion(ctx, id, version)
	return nil
}

// Get returns one version of a component.
func (r *Registry) Get(ctx context.Context, id string, version int) (*Component, error) {
	return r.store.Get(ctx, id, version)
}

// Active returns the currently active version of a lineage.
func (r *Registry) Active(ctx context.Context, id string) (*Component, error) {
	return r.store.Active(ctx, id)
}

// History returns every stored version of a lineage, newest first.
func (r *Registry) History(ctx context.Context, id string) ([]Component, error) {
	return r.store.Versions(ctx, id)
}

// Lineage walks parent links from the active version back to the root.
// Back-references make cycles impossible by construction; the visited guard is
// a defensive invariant check.
func (r *Registry) Lineage(ctx context.Context, id string) ([]Component, error) {
	cur, err := r.store.Active(ctx, id)
	if err != nil {
		return nil, err
	}
	chain := []Component{*cur}
	visited := map[int]bool{cur.Version: true}
	for cur.ParentVersion != 0 {
		if visited[cur.ParentVersion] {
			return nil, errors.New(errors.CodeInternal, "lineage cycle detected", nil).
				WithContext("id", id).
				WithContext("version", cur.ParentVersion)
		}
		visited[cur.ParentVersion] = true
		parent, err := r.store.Get(ctx, id, cur.ParentVersion)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *parent)
		cur = parent
	}
	return chain, nil
}

// Reindex rebuilds the vector index projection from the component store. Safe
// to run at any time; the index tolerates being stale or partially rebuilt.
func (r *Registry) Reindex(ctx context.Context) (int, error) {
	active, err := r.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	for _, coll := range []string{CollectionContent, CollectionApplicability} {
		if err := r.index.EnsureCollection(ctx, coll, r.dims); err != nil {
			return 0, errors.New(errors.CodeStoreError, "ensure index collection", err).
				WithContext("collection", coll)
		}
	}
	count := 0
	for _, c := range active {
		if !c.Indexed() {
			continue
		}
		r.indexComponent(ctx, c)
		count++
	}
	return count, nil
}

// indexComponent upserts the version's embeddings. Index errors are logged,
// never surfaced: the index is eventually consistent with the store.
func (r *Registry) indexComponent(ctx context.Context, c Component) {
	if !c.Indexed() {
		return
	}
	payload := map[string]interface{}{
		"component_id":      c.ID,
		"version":           c.Version,
		"has_applicability": len(c.ApplicabilityVector) > 0,
	}
	err := r.index.Upsert(ctx, CollectionContent, []index.Point{{
		ID:      pointID(c.ID, c.Version, "content"),
		Vector:  c.ContentVector,
		Payload: payload,
	}})
	if err != nil {
		r.logger.WarnContext(ctx, "content index upsert failed",
			"component_id", c.ID, "version", c.Version, "error", err)
	}
	if len(c.ApplicabilityVector) == 0 {
		return
	}
	err = r.index.Upsert(ctx, CollectionApplicability, []index.Point{{
		ID:      pointID(c.ID, c.Version, "applicability"),
		Vector:  c.ApplicabilityVector,
		Payload: payload,
	}})
	if err != nil {
		r.logger.WarnContext(ctx, "applicability index upsert failed",
			"component_id", c.ID, "version", c.Version, "error", err)
	}
}

func (r *Registry) removeVersion(ctx context.Context, id string, version int) {
	if err := r.index.Delete(ctx, CollectionContent, []string{pointID(id, version, "content")}); err != nil {
		r.logger.WarnContext(ctx, "content index delete failed",
			"component_id", id, "version", version, "error", err)
	}
	if err := r.index.Delete(ctx, CollectionApplicability, []string{pointID(id, version, "applicability")}); err != nil {
		r.logger.WarnContext(ctx, "applicability index delete failed",
			"component_id", id, "version", version, "error", err)
	}
}

// pointID derives a stable UUID for an (id, version, kind) index key. Qdrant
// requires UUID point ids, so the key is hashed into a v5 UUID.
func pointID(id string, version int, kind string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:%d:%s", id, version, kind))).String()
}

func payloadInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
