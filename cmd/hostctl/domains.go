package main

import "github.com/Robert-MacWha/tlock"

// domains is the closed set of domains hostctl's embedded host recognizes,
// per spec.md's list of example domains (vault, provider, coordinator,
// page). Adding a domain is a code change here, not a runtime operation
// (spec §3 "Domain descriptor").
func domains() map[tlock.Domain]tlock.DomainDescriptor {
	return map[tlock.Domain]tlock.DomainDescriptor{
		"vault": {
			Name: "vault",
			Methods: map[string]tlock.MethodDescriptor{
				"get_assets": {Strategy: tlock.RoutingSingleton},
				"withdraw":   {Strategy: tlock.RoutingSingleton},
			},
		},
		"provider": {
			Name: "provider",
			Methods: map[string]tlock.MethodDescriptor{
				"send_transaction": {Strategy: tlock.RoutingSingleton},
			},
		},
		"coordinator": {
			Name: "coordinator",
			Methods: map[string]tlock.MethodDescriptor{
				"sign": {Strategy: tlock.RoutingSingleton},
			},
		},
		"page": {
			Name: "page",
			Methods: map[string]tlock.MethodDescriptor{
				"render": {
					Strategy: tlock.RoutingBroadcast,
					// No single entity speaks for "the page" -- every
					// matching entity's rendering is kept, not just the
					// first, per spec §4.5/§8 scenario 7.
					Aggregate: func(results []any) (any, error) {
						return map[string]any{"pages": results}, nil
					},
				},
			},
		},
	}
}
