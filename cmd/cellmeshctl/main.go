package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cellmesh/cellmesh/pkg/mutationindex"
	"github.com/cellmesh/cellmesh/pkg/transport"
	"github.com/cellmesh/cellmesh/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "cellmeshctl",
	Short:   "cellmeshctl talks to a running cellmeshd node over its local socket",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("cellmeshctl version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("data-dir", "./cellmesh-data", "Data directory of the target node (its socket lives at <data-dir>/cellmeshd.sock)")

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(putTraitCmd)
	rootCmd.AddCommand(deleteEntityCmd)
	rootCmd.AddCommand(deleteTraitCmd)
	rootCmd.AddCommand(gcCmd)
}

func socketPath(cmd *cobra.Command) string {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	return filepath.Join(dataDir, "cellmeshd.sock")
}

func dialTimeout(cmd *cobra.Command, req transport.RPCRequest) (transport.RPCResponse, error) {
	return transport.DialRPC(socketPath(cmd), req)
}

var queryCmd = &cobra.Command{
	Use:   "query [query-string]",
	Short: "Run a query against the node's entity index and print matching entities",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := ""
		if len(args) == 1 {
			raw = args[0]
		}
		q := mutationindex.ParseQueryString(raw)
		includeDeleted, _ := cmd.Flags().GetBool("include-deleted")

		predicate, err := transport.EncodeQuery(q)
		if err != nil {
			return fmt.Errorf("encode query: %w", err)
		}

		resp, err := dialTimeout(cmd, transport.RPCRequest{
			Query: &transport.QueryRequest{Predicate: predicate, IncludeDeleted: includeDeleted},
		})
		if err != nil {
			return err
		}
		if resp.Err != "" {
			return fmt.Errorf("query failed: %s", resp.Err)
		}

		fmt.Printf("%d entities (estimated %d)\n", len(resp.Query.Entities), resp.Query.EstimatedCount)
		for _, raw := range resp.Query.Entities {
			entity, err := transport.DecodeEntity(raw)
			if err != nil {
				return fmt.Errorf("decode entity: %w", err)
			}
			fmt.Printf("- %s (traits: %d, modified: %s)\n", entity.ID, len(entity.Traits), entity.ModificationDate.Format(time.RFC3339))
			for traitID, tv := range entity.Traits {
				fmt.Printf("    %s: %s\n", traitID, tv.MessageType)
			}
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().Bool("include-deleted", false, "Include deleted entities in the result set")
}

var putTraitCmd = &cobra.Command{
	Use:   "put-trait <entity-id> <trait-id> <message-type> <message-data>",
	Short: "Submit a put_trait mutation",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityID, traitID, messageType, messageData := args[0], args[1], args[2], args[3]

		resp, err := dialTimeout(cmd, transport.RPCRequest{
			Mutation: &transport.MutationRequest{
				Mutations: []*types.EntityMutation{{
					EntityID: entityID,
					Kind:     types.MutationPutTrait,
					PutTrait: &types.Trait{
						TraitID:     traitID,
						MessageType: messageType,
						MessageData: []byte(messageData),
					},
				}},
			},
		})
		if err != nil {
			return err
		}
		if resp.Err != "" {
			return fmt.Errorf("mutation failed: %s", resp.Err)
		}
		fmt.Printf("submitted as operation %v\n", resp.Mutation.OperationIDs)
		return nil
	},
}

var deleteTraitCmd = &cobra.Command{
	Use:   "delete-trait <entity-id> <trait-id>",
	Short: "Submit a delete_trait mutation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityID, traitID := args[0], args[1]

		resp, err := dialTimeout(cmd, transport.RPCRequest{
			Mutation: &transport.MutationRequest{
				Mutations: []*types.EntityMutation{{
					EntityID:      entityID,
					Kind:          types.MutationDeleteTrait,
					DeleteTraitID: traitID,
				}},
			},
		})
		if err != nil {
			return err
		}
		if resp.Err != "" {
			return fmt.Errorf("mutation failed: %s", resp.Err)
		}
		fmt.Printf("submitted as operation %v\n", resp.Mutation.OperationIDs)
		return nil
	},
}

var deleteEntityCmd = &cobra.Command{
	Use:   "delete-entity <entity-id>",
	Short: "Submit a delete_entity mutation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityID := args[0]

		resp, err := dialTimeout(cmd, transport.RPCRequest{
			Mutation: &transport.MutationRequest{
				Mutations: []*types.EntityMutation{{
					EntityID: entityID,
					Kind:     types.MutationDeleteEntity,
				}},
			},
		})
		if err != nil {
			return err
		}
		if resp.Err != "" {
			return fmt.Errorf("mutation failed: %s", resp.Err)
		}
		fmt.Printf("submitted as operation %v\n", resp.Mutation.OperationIDs)
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Trigger an immediate garbage-collection sweep on the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := dialTimeout(cmd, transport.RPCRequest{GC: true})
		if err != nil {
			return err
		}
		if resp.Err != "" {
			return fmt.Errorf("gc failed: %s", resp.Err)
		}
		fmt.Println("gc sweep complete")
		return nil
	},
}
