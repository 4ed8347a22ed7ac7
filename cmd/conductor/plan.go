package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/complexity"
	"github.com/aristath/conductor/internal/orchestrator"
	"github.com/aristath/conductor/internal/routing"
)

func newScoreCmd(a *app) *cobra.Command {
	var f requestFlags
	cmd := &cobra.Command{
		Use:   "score <description>",
		Short: "Score the complexity of a request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := description(args)
			if err != nil {
				return err
			}
			md, err := f.metadata()
			if err != nil {
				return err
			}
			scorer := complexity.NewScorer(complexity.NewKeywordClassifier(), complexity.DefaultWeights())
			assessment := scorer.Assess(desc, md)

			w := cmd.OutOrStdout()
			heading.Fprintf(w, "Score %d/%d\n", assessment.Score, complexity.MaxScore)
			for _, factor := range assessment.Factors {
				fmt.Fprintf(w, "  %+3d  %s\n", factor.Points, factor.Name)
			}
			fmt.Fprintf(w, "Team: %s\n", complexity.Primary(assessment.Metadata.Domains))
			return nil
		},
	}
	f.bindMetadata(cmd)
	return cmd
}

func newRouteCmd(a *app) *cobra.Command {
	var team string
	cmd := &cobra.Command{
		Use:   "route <description>",
		Short: "Show the ranked roles a request routes to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := description(args)
			if err != nil {
				return err
			}
			d, err := parseTeam(team)
			if err != nil {
				return err
			}
			router, err := orchestrator.NewRouter(a.cfg.Routing, a.logger)
			if err != nil {
				return err
			}
			printRoute(cmd, router.Route(routing.Request{Description: desc, Team: d}))
			return nil
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "requesting team")
	return cmd
}

func printRoute(cmd *cobra.Command, r routing.Result) {
	w := cmd.OutOrStdout()
	heading.Fprintf(w, "Rules %s\n", r.TableVersion)
	for i, c := range r.Candidates {
		marker := "  "
		if i == 0 {
			marker = good.Sprint("→ ")
		}
		label := c.Rule
		if c.Default {
			label = "default"
		}
		fmt.Fprintf(w, "%s%-28s %.2f  %s (%s)\n", marker, c.Role, c.Confidence, c.Rationale, label)
	}
	if r.Ambiguous {
		warn.Fprintln(w, "Ambiguous: top candidates are within the tie margin")
	}
}

func newPlanCmd(a *app) *cobra.Command {
	var f requestFlags
	cmd := &cobra.Command{
		Use:   "plan <description>",
		Short: "Decompose a request into a task graph without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := description(args)
			if err != nil {
				return err
			}
			req, err := f.request(desc)
			if err != nil {
				return err
			}
			d, _, _, _, err := orchestrator.NewDecomposer(a.cfg, a.logger)
			if err != nil {
				return err
			}
			plan, err := d.Decompose(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), plan.Summary())
			return nil
		},
	}
	f.bindRequest(cmd)
	return cmd
}

func newTemplatesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List workflow templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := orchestrator.NewCatalog(a.cfg.Templates)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, name := range catalog.Names() {
				t, _ := catalog.Get(name)
				heading.Fprintf(w, "%s@%s\n", t.Name, t.Version)
				fmt.Fprintf(w, "  triggers: %s\n", strings.Join(t.Triggers, ", "))
				for _, p := range t.Phases {
					line := "  - " + p.Name
					if len(p.Roles) > 0 {
						line += " " + strings.Join(p.Roles, ", ")
					} else if p.RouteHint != "" {
						line += fmt.Sprintf(" (routes %q)", p.RouteHint)
					}
					if p.Gate != nil {
						line += fmt.Sprintf(" | gate %s: %s", p.Gate.Checkpoint, strings.Join(p.Gate.Approvers, ", "))
					}
					fmt.Fprintln(w, line)
				}
			}
			return nil
		},
	}
}
