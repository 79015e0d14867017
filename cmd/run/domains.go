package main

import "github.com/Robert-MacWha/tlock"

// domains mirrors hostctl's fixed domain set, since both drive the same
// kind of embedded host. Kept as its own small copy rather than a shared
// package since a real deployment's inspector and administrative CLI
// often end up with slightly different domain sets as the host evolves.
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
					Aggregate: func(results []any) (any, error) {
						return map[string]any{"pages": results}, nil
					},
				},
			},
		},
	}
}
