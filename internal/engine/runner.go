// Package engine runs workflow instances: it selects a definition, walks the
// graph, records decisions under a per-instance lock and dispatches the
// resulting notifications and callbacks after each commit.
package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approval-engine/internal/cache"
	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
	"github.com/pesio-ai/be-approval-engine/internal/graph"
	"github.com/pesio-ai/be-approval-engine/internal/logger"
	"github.com/pesio-ai/be-approval-engine/internal/metrics"
)

// Dependencies wires a Runner. Notifier, Callback, Metrics, Graphs and Now
// are optional.
type Dependencies struct {
	Definitions DefinitionStore
	Instances   InstanceStore
	Audit       AuditLog
	Resolver    ApproverResolver
	Delegations Authorizer
	Notifier    NotificationSink
	Callback    StatusCallback
	Catalog     Catalog
	Graphs      *cache.GraphCache
	Metrics     *metrics.Metrics
	Now         func() time.Time
	Log         *logger.Logger
}

// Runner is the instance state machine. It is safe for concurrent use;
// decisions on one instance are serialised by the InstanceStore.
type Runner struct {
	defs        DefinitionStore
	instances   InstanceStore
	audit       AuditLog
	resolver    ApproverResolver
	delegations Authorizer
	notifier    NotificationSink
	callback    StatusCallback
	catalog     Catalog
	graphs      *cache.GraphCache
	metrics     *metrics.Metrics
	now         func() time.Time
	log         *logger.Logger
}

// New creates a Runner.
func New(deps Dependencies) *Runner {
	r := &Runner{
		defs:        deps.Definitions,
		instances:   deps.Instances,
		audit:       deps.Audit,
		resolver:    deps.Resolver,
		delegations: deps.Delegations,
		notifier:    deps.Notifier,
		callback:    deps.Callback,
		catalog:     deps.Catalog,
		graphs:      deps.Graphs,
		metrics:     deps.Metrics,
		now:         deps.Now,
		log:         deps.Log,
	}
	if r.graphs == nil {
		r.graphs = cache.NewGraphCache(0)
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.log == nil {
		r.log = logger.Nop()
	}
	if r.catalog == nil {
		r.catalog = Catalog{}
	}
	return r
}

// ── Definitions ───────────────────────────────────────────────────────────────

// CreateDefinition validates def and stores it as version 1.
func (r *Runner) CreateDefinition(ctx context.Context, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	if def == nil {
		return nil, errors.InvalidInput("definition", "is required")
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if err := validateScope(def); err != nil {
		return nil, err
	}
	if err := graph.Validate(def); err != nil {
		return nil, err
	}
	def.Version = 1
	def.CreatedAt = r.now().UTC()
	if err := r.defs.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}

	r.log.Info().
		Str("definition_id", def.ID).
		Str("scope", string(def.Scope)).
		Str("request_type", def.RequestType).
		Int("nodes", len(def.Nodes)).
		Msg("Workflow definition created")
	return def, nil
}

// PublishVersion stores def as the next version of definition id. Running
// instances keep the version they started with.
func (r *Runner) PublishVersion(ctx context.Context, id string, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	if def == nil {
		return nil, errors.InvalidInput("definition", "is required")
	}
	def.ID = id
	if err := validateScope(def); err != nil {
		return nil, err
	}
	if err := graph.Validate(def); err != nil {
		return nil, err
	}
	def.CreatedAt = r.now().UTC()
	if err := r.defs.AddVersion(ctx, def); err != nil {
		return nil, err
	}

	r.log.Info().Str("definition_id", def.ID).Int("version", def.Version).Msg("Workflow definition version published")
	return def, nil
}

// GetDefinition returns one version of a definition; version 0 is the latest.
func (r *Runner) GetDefinition(ctx context.Context, id string, version int) (*domain.WorkflowDefinition, error) {
	return r.defs.GetDefinition(ctx, id, version)
}

func validateScope(def *domain.WorkflowDefinition) error {
	switch def.Scope {
	case domain.ScopeCompanyDefault:
	case domain.ScopeRequestType:
		if def.RequestType == "" {
			return errors.InvalidInput("request_type", "is required for REQUEST_TYPE scope")
		}
	case domain.ScopeEmployee:
		if def.EmployeeID == "" {
			return errors.InvalidInput("employee_id", "is required for EMPLOYEE scope")
		}
	default:
		return errors.InvalidInput("scope", "must be COMPANY_DEFAULT, REQUEST_TYPE or EMPLOYEE")
	}
	return nil
}

// compiled returns the cached graph for one definition version.
func (r *Runner) compiled(ctx context.Context, id string, version int) (*graph.Graph, error) {
	if g, ok := r.graphs.Get(id, version); ok {
		return g, nil
	}
	def, err := r.defs.GetDefinition(ctx, id, version)
	if err != nil {
		return nil, err
	}
	return r.compile(def)
}

func (r *Runner) compile(def *domain.WorkflowDefinition) (*graph.Graph, error) {
	if g, ok := r.graphs.Get(def.ID, def.Version); ok {
		return g, nil
	}
	g, err := graph.Compile(def)
	if err != nil {
		return nil, err
	}
	r.graphs.Set(def.ID, def.Version, g)
	return g, nil
}

// selectDefinition finds the definition an instance starts on. An explicit
// id must name an active, effective definition. Otherwise the candidates
// applicable to the request are ordered by scope priority, then an exact
// company match, then the highest version, then the lowest id.
func (r *Runner) selectDefinition(ctx context.Context, req StartRequest, now time.Time) (*domain.WorkflowDefinition, error) {
	if req.DefinitionID != "" {
		def, err := r.defs.GetDefinition(ctx, req.DefinitionID, 0)
		if err != nil {
			if errors.Is(err, errors.ErrCodeNotFound) {
				return nil, errors.Newf(errors.ErrCodeDefinitionNotFound, "definition %q not found", req.DefinitionID)
			}
			return nil, err
		}
		if !def.EffectiveAt(now) {
			return nil, errors.Newf(errors.ErrCodeDefinitionNotFound, "definition %q is not active", req.DefinitionID)
		}
		return def, nil
	}

	list, err := r.defs.ListLatest(ctx, req.CompanyID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list definitions")
	}
	var candidates []*domain.WorkflowDefinition
	for _, def := range list {
		if def.EffectiveAt(now) && applicable(def, req) {
			candidates = append(candidates, def)
		}
	}
	if len(candidates) == 0 {
		return nil, errors.Newf(errors.ErrCodeDefinitionNotFound,
			"no workflow definition applies to request type %q in company %q", req.RequestType, req.CompanyID)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if pa, pb := a.Scope.Priority(), b.Scope.Priority(); pa != pb {
			return pa > pb
		}
		if ea, eb := a.CompanyID == req.CompanyID, b.CompanyID == req.CompanyID; ea != eb {
			return ea
		}
		if a.Version != b.Version {
			return a.Version > b.Version
		}
		return a.ID < b.ID
	})
	return candidates[0], nil
}

func applicable(def *domain.WorkflowDefinition, req StartRequest) bool {
	if def.CompanyID != "" && def.CompanyID != req.CompanyID {
		return false
	}
	if def.RequestType != "" && !strings.EqualFold(def.RequestType, req.RequestType) {
		return false
	}
	switch def.Scope {
	case domain.ScopeEmployee:
		return def.EmployeeID == req.ApplicantID
	case domain.ScopeRequestType:
		return def.RequestType != ""
	case domain.ScopeCompanyDefault:
		return true
	}
	return false
}
