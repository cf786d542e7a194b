package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	apiFlag   string
	ownerFlag string
	rootCmd   = &cobra.Command{
		Use:   "engramctl",
		Short: "CLI client for the engram memory service REST API",
	}
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&apiFlag, "api", "a", "http://localhost:8080", "Memory service base URL")
	rootCmd.PersistentFlags().StringVarP(&ownerFlag, "owner", "o", "", "Owner ID")

	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "Search memory items",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerFlag == "" {
				return fmt.Errorf("--owner required")
			}
			query, _ := cmd.Flags().GetString("query")
			layer, _ := cmd.Flags().GetString("layer")
			limit, _ := cmd.Flags().GetInt("limit")
			payload := map[string]any{"ownerId": ownerFlag, "query": query, "limit": limit}
			if layer != "" {
				payload["layer"] = layer
			}
			return postJSON(apiFlag, "/api/memory/search", payload, os.Stdout)
		},
	}
	searchCmd.Flags().StringP("query", "q", "", "Substring query against keys and content")
	searchCmd.Flags().StringP("layer", "l", "", "Restrict to one layer (context, temporary, permanent)")
	searchCmd.Flags().IntP("limit", "n", 100, "Maximum results")
	rootCmd.AddCommand(searchCmd)

	upsertCmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a memory item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerFlag == "" {
				return fmt.Errorf("--owner required")
			}
			key, _ := cmd.Flags().GetString("key")
			scope, _ := cmd.Flags().GetString("scope")
			layer, _ := cmd.Flags().GetString("layer")
			content, _ := cmd.Flags().GetString("content")
			sensitivity, _ := cmd.Flags().GetString("sensitivity")
			ttl, _ := cmd.Flags().GetInt("ttl")
			payload := map[string]any{
				"ownerId": ownerFlag,
				"key":     key,
				"scope":   scope,
				"layer":   layer,
				"content": rawOrString(content),
			}
			if sensitivity != "" {
				payload["sensitivity"] = sensitivity
			}
			if ttl > 0 {
				payload["ttlSeconds"] = ttl
			}
			return postJSON(apiFlag, "/api/memory/upsert", payload, os.Stdout)
		},
	}
	upsertCmd.Flags().StringP("key", "k", "", "Structured memory key (required)")
	upsertCmd.Flags().String("scope", "user_owned", "Scope (agent_managed, user_owned)")
	upsertCmd.Flags().StringP("layer", "l", "temporary", "Layer (context, temporary, permanent)")
	upsertCmd.Flags().StringP("content", "c", "", "Content as JSON (required)")
	upsertCmd.Flags().String("sensitivity", "", "Sensitivity level (pii, secret, confidential)")
	upsertCmd.Flags().Int("ttl", 0, "TTL in seconds (0 = never expires)")
	_ = upsertCmd.MarkFlagRequired("key")
	_ = upsertCmd.MarkFlagRequired("content")
	rootCmd.AddCommand(upsertCmd)

	promoteCmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote a temporary memory to the permanent layer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerFlag == "" {
				return fmt.Errorf("--owner required")
			}
			key, _ := cmd.Flags().GetString("key")
			force, _ := cmd.Flags().GetBool("force")
			merge, _ := cmd.Flags().GetBool("merge")
			role, _ := cmd.Flags().GetString("role")
			return postJSON(apiFlag, "/api/memory/promote", map[string]any{
				"ownerId":   ownerFlag,
				"key":       key,
				"force":     force,
				"merge":     merge,
				"actorRole": role,
			}, os.Stdout)
		},
	}
	promoteCmd.Flags().StringP("key", "k", "", "Memory key (required)")
	promoteCmd.Flags().Bool("force", false, "Bypass promotion criteria")
	promoteCmd.Flags().Bool("merge", false, "Merge into an existing permanent item")
	promoteCmd.Flags().String("role", "admin", "Actor role")
	_ = promoteCmd.MarkFlagRequired("key")
	rootCmd.AddCommand(promoteCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete memory items by id or key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerFlag == "" {
				return fmt.Errorf("--owner required")
			}
			ids, _ := cmd.Flags().GetStringSlice("id")
			keys, _ := cmd.Flags().GetStringSlice("key")
			if len(ids) == 0 && len(keys) == 0 {
				return fmt.Errorf("pass at least one --id or --key")
			}
			return postJSON(apiFlag, "/api/memory/delete", map[string]any{
				"ownerId": ownerFlag,
				"ids":     ids,
				"keys":    keys,
			}, os.Stdout)
		},
	}
	deleteCmd.Flags().StringSlice("id", nil, "Item id (repeatable)")
	deleteCmd.Flags().StringSlice("key", nil, "Item key (repeatable)")
	rootCmd.AddCommand(deleteCmd)

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Fetch the tuning and metrics report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(apiFlag, "/api/memory/metrics", os.Stdout)
		},
	}
	rootCmd.AddCommand(reportCmd)

	jobCmd := &cobra.Command{
		Use:   "job [name]",
		Short: "Trigger a maintenance job (expire-sweep, optimizer-report, backup-permanent, ...)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(apiFlag, "/api/jobs/"+args[0], nil, os.Stdout)
		},
	}
	rootCmd.AddCommand(jobCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
