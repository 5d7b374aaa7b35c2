package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"

	"capman/internal/api"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	sigsyaml "sigs.k8s.io/yaml"
)

func newPluginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Inspect plugins on a running capman instance",
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", "", "capman server URL (default CAPMAN_URL or "+defaultServerURL+")")
	cmd.AddCommand(newPluginListCmd())
	cmd.AddCommand(newPluginGetCmd())
	cmd.AddCommand(newPluginStoreCmd())
	cmd.AddCommand(newPluginDeleteCmd())
	return cmd
}

func newPluginListCmd() *cobra.Command {
	var repository string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/plugins"
			if repository != "" {
				path += "?repository=" + repository
			}
			var locators []api.PluginLocator
			if err := getJSON(cmd.Context(), path, &locators); err != nil {
				return err
			}
			if len(locators) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No plugins registered")
				return nil
			}

			sort.Slice(locators, func(i, j int) bool { return locators[i].Verb < locators[j].Verb })

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"VERB", "PLUGIN ID", "REPOSITORY"})
			for _, l := range locators {
				t.AppendRow(table.Row{l.Verb, l.ID, l.RepositoryType})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&repository, "repository", "", "filter by repository type")
	return cmd
}

func newPluginGetCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "get <plugin-id>",
		Short: "Print a plugin manifest as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/plugins/" + args[0]
			if version != "" {
				path += "?version=" + version
			}
			var m api.PluginManifest
			if err := getJSON(cmd.Context(), path, &m); err != nil {
				return err
			}
			out, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "exact version (default newest)")
	return cmd
}

func newPluginStoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "store <manifest-file>",
		Short: "Register a plugin from a manifest file (JSON or YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			payload, err := sigsyaml.YAMLToJSON(data)
			if err != nil {
				return fmt.Errorf("manifest %s is not valid JSON or YAML: %w", args[0], err)
			}

			var resp struct {
				PluginID string `json:"pluginId"`
				Version  string `json:"version"`
				IsUpdate bool   `json:"isUpdate"`
			}
			if err := sendJSON(cmd.Context(), http.MethodPost, "/plugins", payload, &resp); err != nil {
				return err
			}
			verb := "Stored"
			if resp.IsUpdate {
				verb = "Updated"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s plugin %s v%s\n", verb, resp.PluginID, resp.Version)
			return nil
		},
	}
}

func newPluginDeleteCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "delete <plugin-id>",
		Short: "Remove a plugin from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/plugins/" + args[0]
			if version != "" {
				path += "?version=" + version
			}
			if err := sendJSON(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted plugin %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "only delete this version (default all versions)")
	return cmd
}
