package auth

import (
	"context"
	"strings"

	"github.com/goliatone/go-router"
)

// Requirement is an authorization predicate. The set is closed: build
// requirements with Authenticated, AnyRole, Permission, AllOf and AnyOf.
type Requirement interface {
	satisfiedBy(p *Principal, roles *RoleTable) bool
	String() string
}

type authenticatedRequirement struct{}

func (authenticatedRequirement) satisfiedBy(p *Principal, _ *RoleTable) bool {
	return p.IsAuthenticated()
}

func (authenticatedRequirement) String() string { return "authenticated" }

type anyRoleRequirement struct {
	roles []string
}

func (r anyRoleRequirement) satisfiedBy(p *Principal, roles *RoleTable) bool {
	if roles != nil && roles.HasPermission(p.Roles, PermissionAll) {
		return true
	}
	for _, role := range r.roles {
		if p.HasRole(role) {
			return true
		}
	}
	return false
}

func (r anyRoleRequirement) String() string {
	return "any_role(" + strings.Join(r.roles, ",") + ")"
}

type permissionRequirement struct {
	permission string
}

func (r permissionRequirement) satisfiedBy(p *Principal, roles *RoleTable) bool {
	if roles == nil {
		return false
	}
	return roles.HasPermission(p.Roles, r.permission)
}

func (r permissionRequirement) String() string {
	return "permission(" + r.permission + ")"
}

type allOfRequirement struct {
	reqs []Requirement
}

func (r allOfRequirement) satisfiedBy(p *Principal, roles *RoleTable) bool {
	for _, req := range r.reqs {
		if req == nil || !req.satisfiedBy(p, roles) {
			return false
		}
	}
	return true
}

func (r allOfRequirement) String() string {
	return "all_of(" + joinRequirements(r.reqs) + ")"
}

type anyOfRequirement struct {
	reqs []Requirement
}

func (r anyOfRequirement) satisfiedBy(p *Principal, roles *RoleTable) bool {
	for _, req := range r.reqs {
		if req != nil && req.satisfiedBy(p, roles) {
			return true
		}
	}
	return false
}

func (r anyOfRequirement) String() string {
	return "any_of(" + joinRequirements(r.reqs) + ")"
}

// Authenticated requires a validated principal.
func Authenticated() Requirement {
	return authenticatedRequirement{}
}

// AnyRole requires at least one of roles. A role granted the "*" permission
// satisfies any role requirement.
func AnyRole(roles ...string) Requirement {
	return anyRoleRequirement{roles: roles}
}

// Permission requires a role granting permission in the RoleTable.
func Permission(permission string) Requirement {
	return permissionRequirement{permission: permission}
}

// AllOf requires every nested requirement. An empty AllOf only requires
// authentication.
func AllOf(reqs ...Requirement) Requirement {
	return allOfRequirement{reqs: reqs}
}

// AnyOf requires at least one nested requirement. An empty AnyOf is never
// satisfied.
func AnyOf(reqs ...Requirement) Requirement {
	return anyOfRequirement{reqs: reqs}
}

func joinRequirements(reqs []Requirement) string {
	parts := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if r != nil {
			parts = append(parts, r.String())
		}
	}
	return strings.Join(parts, ",")
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardLogger overrides the logger.
func WithGuardLogger(logger Logger) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGuardActivitySink publishes access denied events.
func WithGuardActivitySink(sink ActivitySink) GuardOption {
	return func(g *Guard) {
		g.sink = normalizeActivitySink(sink)
	}
}

// WithGuardClock sets the clock used for event timestamps.
func WithGuardClock(clock Clock) GuardOption {
	return func(g *Guard) {
		if clock != nil {
			g.now = clock
		}
	}
}

// WithGuardMetrics counts denials.
func WithGuardMetrics(m *Metrics) GuardOption {
	return func(g *Guard) {
		g.metrics = m
	}
}

// WithGuardErrorHandler overrides how RouteGuard renders a denial.
func WithGuardErrorHandler(h router.ErrorHandler) GuardOption {
	return func(g *Guard) {
		if h != nil {
			g.errorHandler = h
		}
	}
}

// Guard evaluates requirements against the request Principal.
type Guard struct {
	roles        *RoleTable
	logger       Logger
	sink         ActivitySink
	now          Clock
	metrics      *Metrics
	errorHandler router.ErrorHandler
}

// NewGuard returns a guard backed by roles. A nil table uses DefaultRoleTable.
func NewGuard(roles *RoleTable, opts ...GuardOption) *Guard {
	if roles == nil {
		roles = DefaultRoleTable()
	}
	g := &Guard{
		roles: roles,
		sink:  noopActivitySink{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.logger = normalizeLogger(g.logger)
	g.now = normalizeClock(g.now)
	if g.errorHandler == nil {
		g.errorHandler = DefaultErrorHandler(g.logger)
	}
	return g
}

// Roles returns the role table.
func (g *Guard) Roles() *RoleTable {
	return g.roles
}

// Authorize returns nil when principal satisfies req, ErrUnauthenticated
// when there is no valid principal and ErrAccessDenied otherwise.
func (g *Guard) Authorize(ctx context.Context, principal *Principal, req Requirement) error {
	if !principal.IsAuthenticated() {
		return ErrUnauthenticated
	}
	if req == nil || req.satisfiedBy(principal, g.roles) {
		return nil
	}

	g.logger.Warn("access denied",
		"account_id", principal.AccountID,
		"requirement", req.String(),
	)
	g.metrics.accessDenied()

	recorder := activityRecorder{sink: g.sink, logger: g.logger, now: g.now}
	recorder.record(ctx, ActivityEvent{
		EventType: ActivityEventAccessDenied,
		Actor:     ActorRef{ID: principal.AccountID, Type: "account"},
		AccountID: principal.AccountID,
		Metadata: map[string]any{
			"requirement": req.String(),
			"roles":       principal.Roles,
		},
	})

	return ErrAccessDenied
}

// Can is the boolean form of Authorize without logging or events.
func (g *Guard) Can(principal *Principal, req Requirement) bool {
	if !principal.IsAuthenticated() {
		return false
	}
	return req == nil || req.satisfiedBy(principal, g.roles)
}

// RouteGuard returns middleware enforcing req on the request Principal.
func (g *Guard) RouteGuard(req Requirement) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			principal, _ := PrincipalFromRouter(c)
			if err := g.Authorize(c.Context(), principal, req); err != nil {
				return g.errorHandler(c, err)
			}
			return c.Next()
		}
	}
}
