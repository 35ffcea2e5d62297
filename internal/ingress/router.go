package ingress

import (
	"sort"
	"strings"

	"github.com/kir-gadjello/zier-alpha/internal/config"
)

// ToolScope is the set of tools a turn may see.
type ToolScope struct {
	All   bool
	Names []string
}

// NoTools is the empty scope.
var NoTools = ToolScope{}

// AllTools is the unrestricted scope.
var AllTools = ToolScope{All: true}

// ParseToolScope reads a job's tools field: "all", or a comma separated
// list of tool names. Empty means no tools.
func ParseToolScope(spec string) ToolScope {
	spec = strings.TrimSpace(spec)
	if strings.EqualFold(spec, "all") {
		return AllTools
	}
	var names []string
	for _, n := range strings.Split(spec, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return ToolScope{Names: names}
}

// Allows reports whether the named tool is in scope.
func (s ToolScope) Allows(name string) bool {
	if s.All {
		return true
	}
	i := sort.SearchStrings(s.Names, name)
	return i < len(s.Names) && s.Names[i] == name
}

// Empty reports whether no tool is in scope.
func (s ToolScope) Empty() bool { return !s.All && len(s.Names) == 0 }

// Router assigns trust by source. It is immutable after construction.
type Router struct {
	owners map[string]struct{}
	jobs   map[string]ToolScope
}

// NewRouter builds a router for the configured owner identities and jobs.
func NewRouter(owners []string, jobs []config.JobConfig) *Router {
	r := &Router{
		owners: make(map[string]struct{}, len(owners)),
		jobs:   make(map[string]ToolScope, len(jobs)),
	}
	for _, o := range owners {
		if o = strings.TrimSpace(o); o != "" {
			r.owners[o] = struct{}{}
		}
	}
	for _, j := range jobs {
		r.jobs[j.Name] = ParseToolScope(j.Tools)
	}
	return r
}

// Route returns the trust level of a message by its source alone. Whatever
// trust the message claims is ignored.
func (r *Router) Route(m Message) TrustLevel {
	if _, ok := r.owners[m.Source]; ok {
		return OwnerCommand
	}
	switch {
	case m.Source == SourceHeartbeat,
		strings.HasPrefix(m.Source, SourceScheduler),
		strings.HasPrefix(m.Source, SourceScript),
		strings.HasPrefix(m.Source, SourceSystem):
		return TrustedEvent
	}
	return UntrustedEvent
}

// Scope returns the tools a message may use at the given trust level.
// Scheduled jobs get their configured subset, and so does the heartbeat
// when a job named "heartbeat" exists. Other trusted sources get no tools.
func (r *Router) Scope(m Message, trust TrustLevel) ToolScope {
	switch trust {
	case OwnerCommand:
		return AllTools
	case TrustedEvent:
		return r.JobScope(r.jobName(m.Source))
	default:
		return NoTools
	}
}

// JobScope is the tool scope of a configured job. Unknown jobs get none.
func (r *Router) JobScope(name string) ToolScope {
	if s, ok := r.jobs[name]; ok {
		return s
	}
	return NoTools
}

// Resolve stamps the routed trust onto the message.
func (r *Router) Resolve(m Message) Message {
	m.Trust = r.Route(m)
	return m
}

func (r *Router) jobName(source string) string {
	if source == SourceHeartbeat {
		return SourceHeartbeat
	}
	return strings.TrimPrefix(source, SourceScheduler)
}
