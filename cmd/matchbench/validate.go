package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/matchbench/internal/topology"
)

var validateAll bool

var validateCmd = &cobra.Command{
	Use:   "validate [constellation...]",
	Short: "Check constellations and their prompts without calling a model",
	Long: `Validate loads each named constellation (run.constellation when none
is given, every constellation with --all), checks its phases against the
registered tools and resolves every prompt for the configured business line.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		names := args
		switch {
		case validateAll:
			if names, err = e.rt.Constellations(); err != nil {
				return err
			}
		case len(names) == 0 && e.cfg.Run.Constellation != "":
			names = []string{e.cfg.Run.Constellation}
		}
		if len(names) == 0 {
			return errors.New("no constellation given")
		}

		var failed int
		for _, name := range names {
			c, prompts, err := e.rt.Constellation(name)
			if err != nil {
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", name, err)
				continue
			}
			if err := printConstellation(cmd.OutOrStdout(), c, prompts); err != nil {
				return err
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d constellations are invalid", failed, len(names))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVar(&validateAll, "all", false, "Validate every constellation in run.constellation_dir")
}

func printConstellation(w io.Writer, c *topology.Constellation, prompts map[string]string) error {
	fmt.Fprintf(w, "%s: ok (%d phases, %d prompts)\n", c.Name, len(c.Phases), len(prompts))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  PHASE\tROLE\tKIND\tPROMPT\tTOOLS\tCAPACITY")
	for _, p := range c.Phases {
		hooks := capacityHooks(p)
		for _, a := range p.Agents {
			kind := string(a.Kind)
			if a.Output != "" {
				kind += " -> " + string(a.Output)
			}
			if a.Reviews != "" {
				kind += " of " + a.Reviews
			}
			tools := "-"
			if len(a.Tools) > 0 {
				tools = strings.Join(a.Tools, ",")
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\n", p.Name, a.Role, kind, a.PromptKey, tools, hooks)
		}
	}
	return tw.Flush()
}

func capacityHooks(p topology.Phase) string {
	var hooks []string
	if p.CapacityUpdateBefore {
		hooks = append(hooks, "before")
	}
	if p.CapacityUpdateAfter {
		hooks = append(hooks, "after")
	}
	if len(hooks) == 0 {
		return "-"
	}
	return strings.Join(hooks, ",")
}
