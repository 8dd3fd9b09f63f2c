package bus

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jllopis/fabrica/pkg/embedding"
	"github.com/jllopis/fabrica/pkg/errors"
	"github.com/jllopis/fabrica/pkg/index"
	"github.com/jllopis/fabrica/pkg/telemetry"
)

// Health is the liveness state of a capability registration.
type Health string

const (
	// HealthHealthy means heartbeats are arriving on schedule.
	HealthHealthy Health = "healthy"

	// HealthDegraded means at least one heartbeat was missed.
	HealthDegraded Health = "degraded"

	// HealthUnhealthy means the missed-threshold was exceeded. Unhealthy
	// registrations are excluded from discovery but retained until the purge
	// grace elapses or the agent deregisters.
	HealthUnhealthy Health = "unhealthy"
)

// CollectionCapabilities is the index collection for capability descriptions.
const CollectionCapabilities = "fabrica_capabilities"

func healthValue(h Health) int64 {
	switch h {
	case HealthHealthy:
		return telemetry.HealthValueHealthy
	case HealthDegraded:
		return telemetry.HealthValueDegraded
	default:
		return telemetry.HealthValueUnhealthy
	}
}

// Registration is one advertised capability of an agent.
// (AgentID, Capability) is unique; re-registering updates in place.
type Registration struct {
	AgentID       string    `json:"agent_id"`
	Capability    string    `json:"capability"`
	Description   string    `json:"description"`
	Embedding     []float32 `json:"-"`
	Health        Health    `json:"health"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Capability is a capability descriptor supplied at registration.
type Capability struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Candidate is a ranked discovery result.
type Candidate struct {
	AgentID       string    `json:"agent_id"`
	Capability    string    `json:"capability"`
	Health        Health    `json:"health"`
	Score         float64   `json:"score"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// DirectoryConfig tunes heartbeat and sweep behavior. The defaults are
// illustrative, not contractual; deployments set their own.
type DirectoryConfig struct {
	// HeartbeatInterval is the expected beat cadence (default 5s). A
	// registration turns degraded after one missed interval.
	HeartbeatInterval time.Duration

	// MissedThreshold is how many intervals may pass before a registration
	// turns unhealthy (default 3).
	MissedThreshold int

	// PurgeGrace is how long an unhealthy registration is retained before the
	// sweep removes it (default 10 × MissedThreshold × HeartbeatInterval).
	PurgeGrace time.Duration

	// SweepInterval is the cadence of the background sweep
	// (default HeartbeatInterval).
	SweepInterval time.Duration

	// VectorSize is the embedding dimensionality for the capability collection.
	VectorSize uint64

	// Metrics receives per-agent health gauges from the sweep. Nil disables
	// metric emission.
	Metrics *telemetry.ErrorMetrics

	Logger *slog.Logger
}

func (c DirectoryConfig) withDefaults() DirectoryConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.MissedThreshold < 1 {
		c.MissedThreshold = 3
	}
	if c.PurgeGrace <= 0 {
		c.PurgeGrace = 10 * time.Duration(c.MissedThreshold) * c.HeartbeatInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.HeartbeatInterval
	}
	if c.VectorSize == 0 {
		c.VectorSize = 64
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Directory is the system-bus capability directory: it owns capability
// registrations and their liveness, and ranks providers for a semantic query.
// All state lives behind one lock shared with the background sweep; no ambient
// global, so tests run independent instances.
type Directory struct {
	cfg      DirectoryConfig
	embedder embedding.Embedder
	index    index.VectorStore
	log      InteractionLogger
	snap     SnapshotStore

	mu            sync.RWMutex
	registrations map[registrationKey]*Registration

	now func() time.Time
}

type registrationKey struct {
	agentID    string
	capability string
}

// NewDirectory creates a directory and ensures the capability index collection.
func NewDirectory(ctx context.Context, embedder embedding.Embedder, idx index.VectorStore, log InteractionLogger, cfg DirectoryConfig) (*Directory, error) {
	if embedder == nil || idx == nil {
		return nil, errors.New(errors.CodeInvalidInput, "embedder and index are required", nil)
	}
	cfg = cfg.withDefaults()
	if err := idx.EnsureCollection(ctx, CollectionCapabilities, cfg.VectorSize); err != nil {
		return nil, errors.New(errors.CodeStoreError, "ensure capability collection", err)
	}
	if log == nil {
		log = NewMemLogger()
	}
	return &Directory{
		cfg:           cfg,
		embedder:      embedder,
		index:         idx,
		log:           log,
		registrations: make(map[registrationKey]*Registration),
		now:           time.Now,
	}, nil
}

// SetClock overrides the directory's time source for tests.
func (d *Directory) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// SetSnapshotStore attaches a persistence backend for Load/Flush.
func (d *Directory) SetSnapshotStore(snap SnapshotStore) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snap = snap
}

// RegisterAgent upserts each capability of the agent: the description and its
// embedding are replaced in place, health resets to healthy and the heartbeat
// clock restarts. An embedding failure leaves the registration discoverable
// through the degraded text-match path and is logged, not surfaced.
func (d *Directory) RegisterAgent(ctx context.Context, agentID string, capabilities []Capability) error {
	if strings.TrimSpace(agentID) == "" {
		return errors.New(errors.CodeInvalidInput, "agent id is required", nil)
	}
	if len(capabilities) == 0 {
		return errors.New(errors.CodeInvalidInput, "at least one capability is required", nil)
	}

	start := d.clockNow()
	for _, c := range capabilities {
		if strings.TrimSpace(c.Name) == "" {
			return errors.New(errors.CodeInvalidInput, "capability name is required", nil).
				WithContext("agent_id", agentID)
		}

		reg := &Registration{
			AgentID:       agentID,
			Capability:    c.Name,
			Description:   c.Description,
			Health:        HealthHealthy,
			LastHeartbeat: start,
		}

		vec, err := d.embedder.Embed(ctx, c.Description)
		if err != nil {
			d.cfg.Logger.WarnContext(ctx, "capability embedding failed, registration falls back to text matching",
				"agent_id", agentID, "capability", c.Name, "error", err)
		} else {
			reg.Embedding = vec
			err = d.index.Upsert(ctx, CollectionCapabilities, []index.Point{{
				ID:     capabilityPointID(agentID, c.Name),
				Vector: vec,
				Payload: map[string]interface{}{
					"agent_id":   agentID,
					"capability": c.Name,
				},
			}})
			if err != nil {
				d.cfg.Logger.WarnContext(ctx, "capability index upsert failed",
					"agent_id", agentID, "capability", c.Name, "error", err)
			}
		}

		d.mu.Lock()
		d.registrations[registrationKey{agentID, c.Name}] = reg
		d.mu.Unlock()

		d.appendLog(LogEntry{
			Timestamp:  d.clockNow(),
			Channel:    ChannelSystem,
			Sender:     agentID,
			Capability: c.Name,
			Outcome:    OutcomeSuccess,
			LatencyMS:  d.clockNow().Sub(start).Milliseconds(),
		})
	}
	return nil
}

// Heartbeat refreshes liveness for every capability of the agent.
func (d *Directory) Heartbeat(agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	found := false
	for key, reg := range d.registrations {
		if key.agentID != agentID {
			continue
		}
		reg.LastHeartbeat = now
		reg.Health = HealthHealthy
		found = true
	}
	if !found {
		return errors.New(errors.CodeNotFound, "agent has no registrations", nil).
			WithContext("agent_id", agentID)
	}
	return nil
}

// Deregister removes all of the agent's capabilities immediately.
func (d *Directory) Deregister(ctx context.Context, agentID string) error {
	d.mu.Lock()
	removed := make([]string, 0)
	for key := range d.registrations {
		if key.agentID == agentID {
			removed = append(removed, key.capability)
			delete(d.registrations, key)
		}
	}
	d.mu.Unlock()

	if len(removed) == 0 {
		return errors.New(errors.CodeNotFound, "agent has no registrations", nil).
			WithContext("agent_id", agentID)
	}
	for _, cap := range removed {
		if err := d.index.Delete(ctx, CollectionCapabilities, []string{capabilityPointID(agentID, cap)}); err != nil {
			d.cfg.Logger.WarnContext(ctx, "capability index delete failed",
				"agent_id", agentID, "capability", cap, "error", err)
		}
	}
	return nil
}

// Discover ranks candidate providers for a capability query by cosine
// similarity of their descriptions. Unhealthy registrations are never
// returned; requireHealthy additionally excludes degraded ones. Ties break by
// most-recent heartbeat. If the query cannot be embedded the directory
// degrades to substring matching on the capability name and description.
func (d *Directory) Discover(ctx context.Context, query string, requireHealthy bool, limit int) ([]Candidate, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "capability query is required", nil)
	}
	if limit <= 0 {
		limit = 5
	}

	qvec, err := d.embedder.Embed(ctx, query)
	if err != nil {
		d.cfg.Logger.WarnContext(ctx, "query embedding failed, degrading to text match", "error", err)
		return d.discoverByText(query, requireHealthy, limit), nil
	}

	oversample := limit * 4
	if oversample < 32 {
		oversample = 32
	}
	hits, err := d.index.Search(ctx, CollectionCapabilities, qvec, oversample, 0)
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "capability index search", err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Candidate, 0, limit)
	for _, hit := range hits {
		agentID, _ := hit.Payload["agent_id"].(string)
		capName, _ := hit.Payload["capability"].(string)
		reg, ok := d.registrations[registrationKey{agentID, capName}]
		if !ok {
			continue
		}
		if !admissible(reg.Health, requireHealthy) {
			continue
		}
		out = append(out, Candidate{
			AgentID:       reg.AgentID,
			Capability:    reg.Capability,
			Health:        reg.Health,
			Score:         float64(hit.Score),
			LastHeartbeat: reg.LastHeartbeat,
		})
	}

	sortCandidates(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// discoverByText is the degraded path: substring match, scored 0.
func (d *Directory) discoverByText(query string, requireHealthy bool, limit int) []Candidate {
	needle := strings.ToLower(query)

	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Candidate, 0)
	for _, reg := range d.registrations {
		if !admissible(reg.Health, requireHealthy) {
			continue
		}
		if !strings.Contains(strings.ToLower(reg.Capability), needle) &&
			!strings.Contains(strings.ToLower(reg.Description), needle) {
			continue
		}
		out = append(out, Candidate{
			AgentID:       reg.AgentID,
			Capability:    reg.Capability,
			Health:        reg.Health,
			LastHeartbeat: reg.LastHeartbeat,
		})
	}
	sortCandidates(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func admissible(h Health, requireHealthy bool) bool {
	if h == HealthUnhealthy {
		return false
	}
	if requireHealthy && h != HealthHealthy {
		return false
	}
	return true
}

func sortCandidates(out []Candidate) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].LastHeartbeat.Equal(out[j].LastHeartbeat) {
			return out[i].LastHeartbeat.After(out[j].LastHeartbeat)
		}
		return out[i].AgentID < out[j].AgentID
	})
}

// SweepOnce applies the health transitions to every registration: degraded
// after one missed interval, unhealthy past the missed threshold, purged after
// the grace period. Returns the purged registrations.
func (d *Directory) SweepOnce(ctx context.Context) []Registration {
	d.mu.Lock()
	now := d.now()
	degradeAfter := d.cfg.HeartbeatInterval
	unhealthyAfter := time.Duration(d.cfg.MissedThreshold) * d.cfg.HeartbeatInterval
	purged := make([]Registration, 0)

	type healthObs struct {
		agentID string
		health  Health
	}
	observed := make([]healthObs, 0, len(d.registrations))

	for key, reg := range d.registrations {
		elapsed := now.Sub(reg.LastHeartbeat)
		switch {
		case elapsed > unhealthyAfter+d.cfg.PurgeGrace:
			purged = append(purged, *reg)
			delete(d.registrations, key)
			continue
		case elapsed > unhealthyAfter:
			reg.Health = HealthUnhealthy
		case elapsed > degradeAfter:
			reg.Health = HealthDegraded
		default:
			reg.Health = HealthHealthy
		}
		observed = append(observed, healthObs{agentID: reg.AgentID, health: reg.Health})
	}
	d.mu.Unlock()

	for _, obs := range observed {
		d.cfg.Metrics.RecordHealthStatus(ctx, obs.agentID, healthValue(obs.health))
	}
	for _, reg := range purged {
		d.cfg.Logger.InfoContext(ctx, "purged expired registration",
			"agent_id", reg.AgentID, "capability", reg.Capability)
		if err := d.index.Delete(ctx, CollectionCapabilities, []string{capabilityPointID(reg.AgentID, reg.Capability)}); err != nil {
			d.cfg.Logger.WarnContext(ctx, "capability index delete failed",
				"agent_id", reg.AgentID, "capability", reg.Capability, "error", err)
		}
	}
	return purged
}

// Run executes the background health sweep until the context is cancelled.
// Sweep errors are logged and never propagate to callers.
func (d *Directory) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SweepOnce(ctx)
		}
	}
}

// Registrations returns a snapshot copy of the directory state.
func (d *Directory) Registrations() []Registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Registration, 0, len(d.registrations))
	for _, reg := range d.registrations {
		out = append(out, *reg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID == out[j].AgentID {
			return out[i].Capability < out[j].Capability
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Load restores directory state from the snapshot store and reindexes the
// capability embeddings.
func (d *Directory) Load(ctx context.Context) error {
	d.mu.RLock()
	snap := d.snap
	d.mu.RUnlock()
	if snap == nil {
		return errors.New(errors.CodeInvalidInput, "no snapshot store configured", nil)
	}

	regs, err := snap.LoadRegistrations(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.registrations = make(map[registrationKey]*Registration, len(regs))
	for i := range regs {
		reg := regs[i]
		d.registrations[registrationKey{reg.AgentID, reg.Capability}] = &reg
	}
	d.mu.Unlock()

	for _, reg := range regs {
		if len(reg.Embedding) == 0 {
			continue
		}
		err := d.index.Upsert(ctx, CollectionCapabilities, []index.Point{{
			ID:     capabilityPointID(reg.AgentID, reg.Capability),
			Vector: reg.Embedding,
			Payload: map[string]interface{}{
				"agent_id":   reg.AgentID,
				"capability": reg.Capability,
			},
		}})
		if err != nil {
			d.cfg.Logger.WarnContext(ctx, "capability index upsert failed during load",
				"agent_id", reg.AgentID, "capability", reg.Capability, "error", err)
		}
	}
	return nil
}

// Flush persists the current directory state to the snapshot store.
func (d *Directory) Flush(ctx context.Context) error {
	d.mu.RLock()
	snap := d.snap
	d.mu.RUnlock()
	if snap == nil {
		return errors.New(errors.CodeInvalidInput, "no snapshot store configured", nil)
	}
	return snap.SaveRegistrations(ctx, d.Registrations())
}

func (d *Directory) appendLog(entry LogEntry) {
	if err := d.log.Append(entry); err != nil {
		d.cfg.Logger.Warn("interaction log append failed", "error", err)
	}
}

func (d *Directory) clockNow() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.now()
}

func capabilityPointID(agentID, capability string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(agentID+":"+capability)).String()
}
