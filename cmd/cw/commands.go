package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"claimwatch/internal/app"
	"claimwatch/internal/config"
	"claimwatch/internal/db"
	"claimwatch/internal/domain"
	"claimwatch/internal/matcher"
	"claimwatch/internal/migrate"
	"claimwatch/internal/repo"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Create and check claimwatch.yml",
		Long:  "claimwatch.yml holds the default claim policy, per-repository overrides, worker, lock, GitHub and notification settings.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default claimwatch.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(options(true))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			return yaml.NewEncoder(os.Stdout).Encode(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate claimwatch.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(options(true))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	var statusOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := options(true)
			cfg, err := app.LoadConfig(opts)
			if err != nil {
				return err
			}
			path := opts.DBPath
			if path == "" {
				path = cfg.Database.Path
			}
			conn, err := db.Open(db.Config{Path: path, Workspace: opts.Workspace, BusyTimeout: cfg.Database.BusyTimeout})
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx := cmd.Context()
			if !statusOnly {
				if err := migrate.MigrateContext(ctx, conn); err != nil {
					return err
				}
			}
			st, err := migrate.Inspect(ctx, conn)
			if err != nil {
				return err
			}
			return printJSONOrTable(st)
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "only report the schema version")
	return cmd
}

func analyzeCmd() *cobra.Command {
	var maintainer, assigned bool
	var threshold int
	cmd := &cobra.Command{
		Use:   "analyze [text]",
		Short: "Score a comment with the claim pattern matcher",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) == 1 {
				text = args[0]
			} else {
				b, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				text = string(b)
			}
			res := matcher.Match(text, matcher.Context{IsMaintainerReply: maintainer, AuthorAlreadyAssigned: assigned})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"result": res, "actionable": res.Actionable(threshold)})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Kind", "Rule", "Base", "Confidence", "Actionable"})
			tw.AppendRow(table.Row{res.Kind, res.Rule, res.Base, res.Confidence, res.Actionable(threshold)})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&maintainer, "maintainer", false, "comment is a maintainer reply")
	cmd.Flags().BoolVar(&assigned, "assigned", false, "author is already assigned")
	cmd.Flags().IntVar(&threshold, "threshold", 75, "confidence threshold")
	return cmd
}

func commentCmd() *cobra.Command {
	var ev domain.CommentEvent
	var sync bool
	cmd := &cobra.Command{
		Use:   "comment",
		Short: "Submit a comment event",
		Long:  "Queues the comment for the worker, or with --sync applies it immediately and prints the outcome.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if sync {
					out, err := a.Engine.ProcessComment(ctx, ev)
					if err != nil {
						return err
					}
					return printJSONOrTable(out)
				}
				id, queued, err := a.Engine.SubmitComment(ctx, ev)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"job_id": id, "queued": queued})
			})
		},
	}
	cmd.Flags().StringVar(&ev.EventID, "event-id", "", "unique event id")
	cmd.Flags().StringVar(&ev.Repository, "repo", "", "owner/name")
	cmd.Flags().IntVar(&ev.IssueNumber, "issue", 0, "issue number")
	cmd.Flags().StringVar(&ev.Author, "author", "", "comment author login")
	cmd.Flags().StringVar(&ev.Body, "body", "", "comment text")
	cmd.Flags().BoolVar(&ev.IsMaintainer, "maintainer", false, "author is a maintainer")
	cmd.Flags().BoolVar(&sync, "sync", false, "apply now instead of queueing")
	for _, f := range []string{"event-id", "repo", "issue", "author"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func claimsCmd() *cobra.Command {
	var f repo.ClaimFilters
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "List claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				views, err := a.Engine.Repo.ListClaims(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Issue", "Claimant", "State", "Nudges", "Confidence", "Timer Started"})
				for _, v := range views {
					tw.AppendRow(table.Row{v.Claim.ID, v.Issue.Ref().String(), v.Claim.Claimant, v.Claim.State,
						v.Claim.NudgeCount, v.Claim.Confidence, v.Claim.TimerStartedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Repository, "repo", "", "owner/name filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Claimant, "claimant", "", "claimant filter")
	cmd.Flags().BoolVar(&f.OpenOnly, "open", false, "only active and nudged claims")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func claimCmd() *cobra.Command {
	c := &cobra.Command{Use: "claim", Short: "Inspect or override one claim"}
	c.AddCommand(claimShowCmd())
	c.AddCommand(claimOverrideCmd("release", domain.ClaimReleased))
	c.AddCommand(claimOverrideCmd("complete", domain.ClaimCompleted))
	c.AddCommand(claimExtendCmd())
	return c
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func claimShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a claim with its activity log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Engine.Repo.ClaimView(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				c := view.Claim
				fmt.Printf("claim %d on %s by %s: %s (nudges %d, confidence %d)\n", c.ID, view.Issue.Ref(), c.Claimant, c.State, c.NudgeCount, c.Confidence)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Kind", "Actor", "Payload"})
				for _, l := range view.Activity {
					tw.AppendRow(table.Row{l.CreatedAt.Format(time.RFC3339), l.Kind, l.Actor, l.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func claimOverrideCmd(verb string, target domain.ClaimState) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: "Mark a claim " + string(target) + " now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				claim, err := a.Engine.Override(ctx, id, target, viper.GetString("actor"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(claim)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the activity log")
	return cmd
}

func claimExtendCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "extend <id>",
		Short: "Give a claim its own grace period and restart the timer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				claim, err := a.Engine.ExtendGrace(ctx, id, days, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(claim)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 14, "grace period in days")
	return cmd
}

func jobsCmd() *cobra.Command {
	j := &cobra.Command{Use: "jobs", Short: "Inspect the job queue"}
	j.AddCommand(jobsListCmd())
	j.AddCommand(jobsRequeueCmd())
	return j
}

func jobsListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				jobs, err := a.Engine.Repo.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Attempts", "Scheduled", "Last Error"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Kind, j.Status, fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
						j.ScheduledAt.Format(time.RFC3339), j.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func jobsRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Requeue a dead or failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.Engine.RequeueJob(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
}

func statsCmd() *cobra.Command {
	var repository string
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Claim, queue and activity counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.Stats(ctx, repository, window)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Group", "Key", "Count"})
				for _, g := range []struct {
					name string
					m    map[string]int
				}{{"claims", s.Claims}, {"jobs", s.Jobs}, {"activity since " + s.Since.Format(time.RFC3339), s.Activity}} {
					for k, v := range g.m {
						tw.AppendRow(table.Row{g.name, k, v})
					}
				}
				tw.SortBy([]table.SortBy{{Number: 1}, {Number: 2}})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repository, "repo", "", "owner/name filter for claim counts")
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "activity window")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Re-create missing lifecycle jobs for open claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"scheduled": n})
			})
		},
	}
}
