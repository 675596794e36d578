package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/tradegw/internal/util"
)

// MatchKind selects how a rule's path is compared with a request path.
type MatchKind string

const (
	// MatchExact requires the request path to equal the rule path.
	MatchExact MatchKind = "exact"

	// MatchPrefix requires the request path to start with the rule path
	// on a segment boundary.
	MatchPrefix MatchKind = "prefix"
)

// RouteRule maps matching requests to an upstream and the scope a caller
// needs to use it.
type RouteRule struct {
	Name   string    `json:"name" yaml:"name"`
	Method string    `json:"method,omitempty" yaml:"method,omitempty"`
	Path   string    `json:"path" yaml:"path"`
	Match  MatchKind `json:"match" yaml:"match"`

	// Upstream is the identifier circuit breaker state is keyed by.
	Upstream string `json:"upstream" yaml:"upstream"`

	// RequiredScope is empty for public routes.
	RequiredScope string `json:"required_scope,omitempty" yaml:"required_scope,omitempty"`
}

// Pattern is the registration key of a rule.
type Pattern struct {
	Method string    `json:"method,omitempty"`
	Match  MatchKind `json:"match"`
	Path   string    `json:"path"`
}

// String returns the pattern in "METHOD kind path" form.
func (p Pattern) String() string {
	method := p.Method
	if method == "" {
		method = "*"
	}
	return fmt.Sprintf("%s %s %s", method, p.Match, p.Path)
}

// Pattern returns the registration key of the rule.
func (r RouteRule) Pattern() Pattern {
	return Pattern{Method: r.Method, Match: r.Match, Path: r.Path}
}

// normalize fills defaults and canonicalizes case.
func (r RouteRule) normalize() RouteRule {
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if r.Match == "" {
		r.Match = MatchPrefix
	}
	if r.Name == "" {
		r.Name = r.Pattern().String()
	}
	return r
}

func (p Pattern) normalize() Pattern {
	p.Method = strings.ToUpper(strings.TrimSpace(p.Method))
	if p.Match == "" {
		p.Match = MatchPrefix
	}
	return p
}

// Validate checks the rule for structural errors.
func (r RouteRule) Validate() error {
	if err := util.ValidatePath(r.Path); err != nil {
		return fmt.Errorf("%w: route %q: %w", util.ErrInvalidInput, r.Name, err)
	}
	if strings.TrimSpace(r.Upstream) == "" {
		return fmt.Errorf("%w: route %q: upstream is required", util.ErrInvalidInput, r.Name)
	}
	switch r.Match {
	case "", MatchExact, MatchPrefix:
	default:
		return fmt.Errorf("%w: route %q: unknown match kind %q", util.ErrInvalidInput, r.Name, r.Match)
	}
	if err := util.ValidateHTTPMethod(r.Method); err != nil {
		return fmt.Errorf("%w: route %q: %w", util.ErrInvalidInput, r.Name, err)
	}
	return nil
}

// compiledRule is a registered rule with its matchers and registration
// sequence number.
type compiledRule struct {
	rule   RouteRule
	path   PathMatcher
	method *MethodMatcher
	seq    uint64
}

func compile(rule RouteRule, seq uint64) *compiledRule {
	return &compiledRule{
		rule:   rule,
		path:   newPathMatcher(rule.Match, rule.Path),
		method: NewMethodMatcher(rule.Method),
		seq:    seq,
	}
}

// moreSpecific orders rules for matching: exact before prefix, longer
// paths first, method-specific before any-method, then registration
// order.
func moreSpecific(a, b *compiledRule) bool {
	if a.rule.Match != b.rule.Match {
		return a.rule.Match == MatchExact
	}
	if len(a.rule.Path) != len(b.rule.Path) {
		return len(a.rule.Path) > len(b.rule.Path)
	}
	if a.method.Any() != b.method.Any() {
		return !a.method.Any()
	}
	return a.seq < b.seq
}

// ruleSet is an immutable snapshot of the registry.
type ruleSet struct {
	ordered []*compiledRule
	byKey   map[Pattern]*compiledRule
}

func newRuleSet(rules []*compiledRule) *ruleSet {
	ordered := make([]*compiledRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return moreSpecific(ordered[i], ordered[j])
	})

	byKey := make(map[Pattern]*compiledRule, len(rules))
	for _, c := range ordered {
		byKey[c.rule.Pattern()] = c
	}
	return &ruleSet{ordered: ordered, byKey: byKey}
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// Router resolves requests to route rules. Reads are lock-free against
// an immutable snapshot; writers serialize on mu and publish a new
// snapshot atomically.
type Router struct {
	current atomic.Pointer[ruleSet]
	mu      sync.Mutex
	seq     uint64
	logger  *zap.Logger
}

// New creates a new router.
func New(opts ...Option) *Router {
	r := &Router{}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.current.Store(newRuleSet(nil))
	return r
}

// Resolve returns the most specific rule matching method and path. The
// path is matched in canonical form, so dot segments cannot move a
// request from one rule's subtree into another's.
func (r *Router) Resolve(method, path string) (*RouteRule, error) {
	path = util.CleanPath(path)
	set := r.current.Load()
	for _, c := range set.ordered {
		if c.method.Match(method) && c.path.Match(path) {
			routeResolutions.WithLabelValues("matched").Inc()
			rule := c.rule
			return &rule, nil
		}
	}
	routeResolutions.WithLabelValues("not_found").Inc()
	return nil, util.NewRouteNotFoundError(method, path)
}

// Register adds rule. It fails with *util.ConflictError when a rule with
// the same pattern exists.
func (r *Router) Register(rule RouteRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	rule = rule.normalize()
	key := rule.Pattern()

	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.current.Load()
	if _, exists := set.byKey[key]; exists {
		return util.NewConflictError(key.String())
	}

	r.seq++
	rules := append(set.snapshot(), compile(rule, r.seq))
	r.publish(newRuleSet(rules))

	r.logger.Info("route registered",
		zap.String("name", rule.Name),
		zap.String("pattern", key.String()),
		zap.String("upstream", rule.Upstream),
	)
	return nil
}

// Unregister removes the rule registered under pattern. It fails with
// *util.RouteNotFoundError when no such rule exists.
func (r *Router) Unregister(pattern Pattern) error {
	key := pattern.normalize()

	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.current.Load()
	target, exists := set.byKey[key]
	if !exists {
		return util.NewRouteNotFoundError(key.Method, key.Path)
	}

	rules := make([]*compiledRule, 0, len(set.ordered)-1)
	for _, c := range set.ordered {
		if c != target {
			rules = append(rules, c)
		}
	}
	r.publish(newRuleSet(rules))

	r.logger.Info("route unregistered",
		zap.String("name", target.rule.Name),
		zap.String("pattern", key.String()),
	)
	return nil
}

// Replace swaps the whole rule set. Rules keep the given order for tie
// breaking. Nothing changes when any rule is invalid or two share a
// pattern.
func (r *Router) Replace(rules []RouteRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	compiled := make([]*compiledRule, 0, len(rules))
	seen := make(map[Pattern]struct{}, len(rules))
	seq := r.seq
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return err
		}
		rule = rule.normalize()
		key := rule.Pattern()
		if _, dup := seen[key]; dup {
			return util.NewConflictError(key.String())
		}
		seen[key] = struct{}{}
		seq++
		compiled = append(compiled, compile(rule, seq))
	}

	r.seq = seq
	r.publish(newRuleSet(compiled))

	r.logger.Info("route table replaced", zap.Int("routes", len(compiled)))
	return nil
}

// Rules returns the registered rules in registration order.
func (r *Router) Rules() []RouteRule {
	snapshot := r.current.Load().snapshot()
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].seq < snapshot[j].seq
	})

	rules := make([]RouteRule, len(snapshot))
	for i, c := range snapshot {
		rules[i] = c.rule
	}
	return rules
}

// Len returns the number of registered rules.
func (r *Router) Len() int {
	return len(r.current.Load().ordered)
}

func (r *Router) publish(set *ruleSet) {
	r.current.Store(set)
	registeredRoutes.Set(float64(len(set.ordered)))
}

func (s *ruleSet) snapshot() []*compiledRule {
	out := make([]*compiledRule, len(s.ordered))
	copy(out, s.ordered)
	return out
}
