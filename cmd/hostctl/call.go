package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Robert-MacWha/tlock/host"
)

func NewCallCmd() *cobra.Command {
	var paramsJSON string

	cmd := &cobra.Command{
		Use:   "call <entity-id> <method>",
		Short: "Invoke a method on a registered entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(cmd, func(ctx context.Context, h *host.Host) error {
				result, err := h.Call(ctx, entityIDArg(args[0]), args[1], json.RawMessage(paramsJSON))
				if err != nil {
					return err
				}
				cmd.Println(string(result))
				return nil
			})
		},
	}

	addHostConfigFlags(cmd)
	cmd.Flags().StringVar(&paramsJSON, "params", "null", "JSON-encoded params value")
	return cmd
}

func NewCallDomainCmd() *cobra.Command {
	var (
		paramsJSON string
		scope      []string
	)

	cmd := &cobra.Command{
		Use:   "call-domain <domain> <method>",
		Short: "Resolve domain.method against scope and invoke it, broadcasting and aggregating if the method is declared Broadcast",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(cmd, func(ctx context.Context, h *host.Host) error {
				result, err := h.CallDomain(ctx, domainArg(args[0]), args[1], scope, json.RawMessage(paramsJSON))
				if err != nil {
					return err
				}
				cmd.Println(string(result))
				return nil
			})
		},
	}

	addHostConfigFlags(cmd)
	cmd.Flags().StringVar(&paramsJSON, "params", "null", "JSON-encoded params value")
	cmd.Flags().StringSliceVar(&scope, "scope", nil, "CAIP-style scope segments, e.g. eip155,1,0xabc")
	return cmd
}

func NewResolveCmd() *cobra.Command {
	var scope []string

	cmd := &cobra.Command{
		Use:   "resolve <domain> <method>",
		Short: "Resolve a domain method call to the entity that would handle it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(cmd, func(ctx context.Context, h *host.Host) error {
				entityID, err := h.Resolve(domainArg(args[0]), args[1], scope)
				if err != nil {
					return err
				}
				cmd.Println(string(entityID))
				return nil
			})
		},
	}

	addHostConfigFlags(cmd)
	cmd.Flags().StringSliceVar(&scope, "scope", nil, "CAIP-style scope segments, e.g. eip155,1,0xabc")
	return cmd
}

func NewGrantCmd() *cobra.Command {
	return permissionCmd("grant", true)
}

func NewRevokeCmd() *cobra.Command {
	return permissionCmd("revoke", false)
}

func permissionCmd(use string, grant bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <plugin-id> <method-pattern>",
		Short: fmt.Sprintf("%s a capability pattern for a plugin", use),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(cmd, func(ctx context.Context, h *host.Host) error {
				return h.SetPermission(pluginIDArg(args[0]), args[1], grant)
			})
		},
	}
	addHostConfigFlags(cmd)
	return cmd
}
