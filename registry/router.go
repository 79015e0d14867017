package registry

import (
	"github.com/Robert-MacWha/tlock"
	"github.com/Robert-MacWha/tlock/errors"
)

// Router resolves a domain.method call against the entities registered
// for that domain, using the routing strategy the domain descriptor
// declares for that method (spec §4.5).
type Router struct {
	reg     *Registry
	domains map[tlock.Domain]tlock.DomainDescriptor
}

func NewRouter(reg *Registry, domains map[tlock.Domain]tlock.DomainDescriptor) *Router {
	return &Router{reg: reg, domains: domains}
}

// Resolve returns the entities that should handle method on domain for
// the given scope query. A Singleton method returns exactly one entity
// or an error (RoutingUnmatched for zero matches, RoutingAmbiguous for a
// tie at the top specificity score); a Broadcast method returns every
// matching entity, most specific first, and only errors when there are
// no matches at all.
func (r *Router) Resolve(domain tlock.Domain, method string, queryScope []string) ([]*Entity, tlock.MethodDescriptor, error) {
	desc, ok := r.domains[domain]
	if !ok {
		return nil, tlock.MethodDescriptor{}, errors.RoutingUnmatched(string(domain), method)
	}
	methodDesc, ok := desc.Methods[method]
	if !ok {
		return nil, tlock.MethodDescriptor{}, errors.MethodNotFound(errors.ComponentRegistry, string(domain)+"."+method)
	}

	candidates := r.reg.match(domain, queryScope)
	if len(candidates) == 0 {
		return nil, methodDesc, errors.RoutingUnmatched(string(domain), method)
	}

	switch methodDesc.Strategy {
	case tlock.RoutingBroadcast:
		entities := make([]*Entity, len(candidates))
		for i, c := range candidates {
			entities[i] = c.entity
		}
		return entities, methodDesc, nil
	default: // Singleton
		if len(candidates) > 1 && candidates[0].score == candidates[1].score {
			return nil, methodDesc, errors.RoutingAmbiguous(string(domain), method)
		}
		return []*Entity{candidates[0].entity}, methodDesc, nil
	}
}
