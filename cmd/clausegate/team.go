package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/metalagman/clausegate/internal/agent"
	"github.com/metalagman/clausegate/internal/team"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func teamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "team",
		Short: "Manage agent teams",
	}
	cmd.AddCommand(teamListCmd())
	cmd.AddCommand(teamShowCmd())
	cmd.AddCommand(teamRegisterCmd())
	cmd.AddCommand(teamAddAgentCmd())
	return cmd
}

func teamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered teams",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()
			for _, def := range a.coord.ListTeams() {
				fmt.Fprintf(out, "%-20s\t%-16s\t%d agents\n", def.Name, def.Pattern, len(def.Agents))
			}
			return nil
		},
	}
}

func teamShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a team definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			def, err := a.coord.GetTeam(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), def)
		},
	}
}

func teamRegisterCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a team from a JSON or YAML definition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := readDefinition(file)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			def, err = a.coord.RegisterTeam(cmd.Context(), def)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), def)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "team definition file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readDefinition loads a team definition. YAML is converted to JSON so both
// go through the same schema validation.
func readDefinition(path string) (team.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return team.Definition{}, fmt.Errorf("read team definition: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return team.Definition{}, fmt.Errorf("decode team definition: %w", err)
		}
		if data, err = json.Marshal(raw); err != nil {
			return team.Definition{}, fmt.Errorf("convert team definition: %w", err)
		}
	}
	return team.ParseDefinition(data)
}

func teamAddAgentCmd() *cobra.Command {
	var spec agent.Spec
	cmd := &cobra.Command{
		Use:   "add-agent <team>",
		Short: "Append an agent to a team that has not executed yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			def, err := a.coord.AddAgent(cmd.Context(), args[0], spec)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), def)
		},
	}
	cmd.Flags().StringVar(&spec.Name, "name", "", "agent name")
	cmd.Flags().StringVar(&spec.Kind, "kind", "", "agent kind")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}
