// Package engine implements the directory synchronization engine: the
// full-snapshot reader, the entity builder and the incremental
// reconciler, composed per provider instance.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"keysync.io/keysync/internal/catalog"
	"keysync.io/keysync/internal/config"
	"keysync.io/keysync/internal/directory"
	"keysync.io/keysync/internal/directory/tokenguard"
	apperrors "keysync.io/keysync/internal/pkg/errors"
	"keysync.io/keysync/internal/pkg/worker"
)

// Provider syncs one configured directory realm into the catalog. A
// provider owns its client, token guard and fetch limiter; none of
// them are shared across provider instances.
type Provider struct {
	cfg     config.ProviderConfig
	client  directory.Client
	guard   *tokenguard.Guard
	limit   *worker.Limiter
	refresh *worker.Gate
	api     catalog.API
	log     *zap.Logger

	mu   sync.RWMutex
	conn catalog.Connection

	userTransformer  UserTransformer
	groupTransformer GroupTransformer

	taskFailures  atomic.Int64
	batchFailures atomic.Int64
	lastSync      atomic.Int64 // unix seconds, 0 = never
}

// ClientFactory builds a directory client for one provider config.
// Binding to a concrete adapter happens at the composition root.
type ClientFactory func(cfg config.ProviderConfig) directory.Client

// NewProvider creates a provider for one configured realm.
func NewProvider(cfg config.ProviderConfig, client directory.Client, api catalog.API, log *zap.Logger) (*Provider, error) {
	limit, err := worker.NewLimiter("provider:"+cfg.ID, cfg.MaxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("create fetch limiter: %w", err)
	}
	refresh, err := worker.NewGate("refresh:" + cfg.ID)
	if err != nil {
		limit.Release()
		return nil, fmt.Errorf("create refresh gate: %w", err)
	}
	guard := tokenguard.New(client, tokenguard.CredentialSource{
		Username:     cfg.Username,
		Password:     cfg.Password,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}, log)

	return &Provider{
		cfg:     cfg,
		client:  client,
		guard:   guard,
		limit:   limit,
		refresh: refresh,
		api:     api,
		log:     log.With(zap.String("provider", cfg.ID)),
	}, nil
}

// FromConfig builds one provider per configured entry.
func FromConfig(cfg *config.Config, newClient ClientFactory, api catalog.API, log *zap.Logger) ([]*Provider, error) {
	providers := make([]*Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := NewProvider(pc, newClient(pc), api, log)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.ID, err)
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// ID returns the provider's configured id.
func (p *Provider) ID() string {
	return p.cfg.ID
}

// Name returns the provider's unique name, also used as the location
// key that scopes its entities in the sink.
func (p *Provider) Name() string {
	return "keycloak-org-provider:" + p.cfg.ID
}

// Connect establishes the catalog sink connection. Until it is called,
// every sync and event operation fails with NOT_INITIALIZED.
func (p *Provider) Connect(conn catalog.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = conn
}

// SetUserTransformer binds the user transformer. It may only be bound
// once; a second bind attempt errors.
func (p *Provider) SetUserTransformer(t UserTransformer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.userTransformer != nil {
		return apperrors.Conflict(apperrors.CodeTransformerRebound,
			"user transformer may only be set once")
	}
	p.userTransformer = t
	return nil
}

// SetGroupTransformer binds the group transformer, once.
func (p *Provider) SetGroupTransformer(t GroupTransformer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.groupTransformer != nil {
		return apperrors.Conflict(apperrors.CodeTransformerRebound,
			"group transformer may only be set once")
	}
	p.groupTransformer = t
	return nil
}

// connection returns the sink connection or NOT_INITIALIZED.
func (p *Provider) connection() (catalog.Connection, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.conn == nil {
		return nil, apperrors.Internal(apperrors.CodeNotInitialized, "not initialized")
	}
	return p.conn, nil
}

func (p *Provider) transformers() (UserTransformer, GroupTransformer) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.userTransformer, p.groupTransformer
}

func (p *Provider) newReader(log *zap.Logger, taskInstanceID string) *reader {
	ut, gt := p.transformers()
	return &reader{
		client:           p.client,
		guard:            p.guard,
		cfg:              &p.cfg,
		limit:            p.limit,
		log:              log,
		userTransformer:  ut,
		groupTransformer: gt,
		batchFailures:    &p.batchFailures,
		taskInstance:     taskInstanceID,
	}
}

// Read runs one complete ingestion loop: a full snapshot of the realm
// is read and committed as a full mutation, replacing every entity
// owned by this provider's location key.
func (p *Provider) Read(ctx context.Context, taskInstanceID string) error {
	conn, err := p.connection()
	if err != nil {
		return err
	}
	log := p.log.With(zap.String("task_instance_id", taskInstanceID))

	log.Info("reading directory users and groups")
	readStart := time.Now()

	if err := p.guard.Authenticate(ctx); err != nil {
		return err
	}

	users, groups, err := p.newReader(log, taskInstanceID).readRealm(ctx)
	if err != nil {
		return err
	}
	log.Info("directory read complete, committing",
		zap.Int("users", len(users)),
		zap.Int("groups", len(groups)),
		zap.Duration("read_duration", time.Since(readStart)),
	)

	commitStart := time.Now()
	entities := make([]catalog.EntityEnvelope, 0, len(users)+len(groups))
	for _, e := range users {
		entities = append(entities, p.envelope(e))
	}
	for _, e := range groups {
		entities = append(entities, p.envelope(e))
	}
	if err := conn.ApplyMutation(ctx, catalog.Mutation{
		Type:        catalog.MutationFull,
		LocationKey: p.Name(),
		Entities:    entities,
	}); err != nil {
		return err
	}

	p.lastSync.Store(time.Now().Unix())
	log.Info("committed directory entities",
		zap.Int("entities", len(entities)),
		zap.Duration("commit_duration", time.Since(commitStart)),
	)
	return nil
}

// envelope tags an entity with this provider's location key and stamps
// its location annotations.
func (p *Provider) envelope(e *catalog.Entity) catalog.EntityEnvelope {
	return catalog.EntityEnvelope{
		LocationKey: p.Name(),
		Entity:      p.withLocations(e),
	}
}

// withLocations returns a copy of the entity annotated with the
// directory URL it originates from.
func (p *Provider) withLocations(e *catalog.Entity) *catalog.Entity {
	kind := "users"
	if e.Kind == catalog.KindGroup {
		kind = "groups"
	}
	location := fmt.Sprintf("url:%s/admin/realms/%s/%s/%s",
		p.cfg.BaseURL, p.cfg.Realm, kind, e.Annotation(AnnotationDirectoryID))

	out := e.Clone()
	if out.Metadata.Annotations == nil {
		out.Metadata.Annotations = make(map[string]string, 2)
	}
	if _, ok := out.Metadata.Annotations[catalog.AnnotationLocation]; !ok {
		out.Metadata.Annotations[catalog.AnnotationLocation] = location
	}
	if _, ok := out.Metadata.Annotations[catalog.AnnotationOriginLocation]; !ok {
		out.Metadata.Annotations[catalog.AnnotationOriginLocation] = location
	}
	return out
}

func (p *Provider) envelopes(entities []*catalog.Entity) []catalog.EntityEnvelope {
	out := make([]catalog.EntityEnvelope, 0, len(entities))
	for _, e := range entities {
		out = append(out, p.envelope(e))
	}
	return out
}

// Run is one scheduled sync invocation: it generates a fresh task
// instance id, runs Read and absorbs any escaped error into the task
// failure counter. The task runner retries per its own policy; the
// engine never re-invokes itself.
func (p *Provider) Run(ctx context.Context) {
	taskInstanceID := uuid.NewString()
	if err := p.Read(ctx, taskInstanceID); err != nil {
		p.taskFailures.Add(1)
		appErr, _ := apperrors.IsAppError(err)
		fields := []zap.Field{
			zap.String("task_instance_id", taskInstanceID),
			zap.Error(err),
		}
		if appErr != nil {
			fields = append(fields, zap.String("code", appErr.Code))
		}
		p.log.Error("error while syncing directory users and groups", fields...)
	}
}

// TriggerRefresh starts one background sync through the refresh gate.
// It reports false when a sync triggered this way is already in
// flight; repeated triggers coalesce instead of stacking up.
func (p *Provider) TriggerRefresh(ctx context.Context) bool {
	return p.refresh.Try(ctx, p.Run)
}

// Schedule registers the provider's recurring full sync on the runner.
func (p *Provider) Schedule(ctx context.Context, runner TaskRunner) error {
	return runner.Run(ctx, Task{
		ID: p.Name() + ":refresh",
		Fn: p.Run,
	})
}

// Status is a point-in-time snapshot of provider health counters.
type Status struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Realm         string    `json:"realm"`
	Connected     bool      `json:"connected"`
	TaskFailures  int64     `json:"task_failures"`
	BatchFailures int64     `json:"batch_failures"`
	LastSync      time.Time `json:"last_sync,omitzero"`
}

// Status reports current counters for the admin surface.
func (p *Provider) Status() Status {
	p.mu.RLock()
	connected := p.conn != nil
	p.mu.RUnlock()

	s := Status{
		ID:            p.cfg.ID,
		Name:          p.Name(),
		Realm:         p.cfg.Realm,
		Connected:     connected,
		TaskFailures:  p.taskFailures.Load(),
		BatchFailures: p.batchFailures.Load(),
	}
	if ts := p.lastSync.Load(); ts > 0 {
		s.LastSync = time.Unix(ts, 0)
	}
	return s
}

// Close releases the provider's refresh gate and fetch limiter.
func (p *Provider) Close() {
	p.refresh.Release()
	p.limit.Release()
}
