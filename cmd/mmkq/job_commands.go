package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/target/mmk-queue/internal/bootstrap"
	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/service"
	"github.com/target/mmk-queue/internal/util"
)

func newJobCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newEnqueueCommand(ctx),
		newFlagCommand(ctx, "kill", "Request that jobs be killed", (*service.QueueService).Kill),
		newFlagCommand(ctx, "remove", "Request that jobs be killed and removed from the queue", (*service.QueueService).Remove),
		newRestartCommand(ctx),
		newShowCommand(ctx),
		newListCommand(ctx),
	}
}

// parseJobArgs merges a JSON object with key=value pairs. Values that parse as JSON keep
// their type (numbers, booleans, objects); anything else is a string.
func parseJobArgs(raw string, pairs []string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, fmt.Errorf("--args must be a JSON object: %w", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("--arg %q: expected key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			args[k] = decoded
		} else {
			args[k] = v
		}
	}
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var (
		rawArgs string
		pairs   []string
		user    string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <name>",
		Short: "Enqueue a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, positional []string) error {
			args, err := parseJobArgs(rawArgs, pairs)
			if err != nil {
				return err
			}
			return ctx.withServices(cmd, func(svc bootstrap.ServiceContainer) error {
				job, err := svc.Queue.Enqueue(cmd.Context(), service.EnqueueRequest{
					Name:     positional[0],
					Args:     args,
					Username: user,
				})
				if err != nil {
					return err
				}
				return ctx.output(cmd, job, func() string {
					return fmt.Sprintf("enqueued %s (%s)\n", job.ID, job.Name)
				})
			})
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", "Job arguments as a JSON object")
	cmd.Flags().StringArrayVarP(&pairs, "arg", "a", nil, "Job argument as key=value (repeatable)")
	cmd.Flags().StringVar(&user, "user", currentUser(), "User recorded as the enqueuer")
	return cmd
}

// flagOp is a QueueService marker operation such as Kill or Remove.
type flagOp func(*service.QueueService, context.Context, string) (bool, error)

func newFlagCommand(ctx *commandContext, use, short string, op flagOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, ids []string) error {
			return ctx.withServices(cmd, func(svc bootstrap.ServiceContainer) error {
				results := make(map[string]bool, len(ids))
				var errs []error
				for _, id := range ids {
					applied, err := op(svc.Queue, cmd.Context(), id)
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", id, err))
						continue
					}
					results[id] = applied
				}
				if err := ctx.output(cmd, results, func() string {
					var b strings.Builder
					for _, id := range ids {
						applied, ok := results[id]
						switch {
						case !ok:
							continue
						case applied:
							fmt.Fprintf(&b, "%s: %s requested\n", id, use)
						default:
							fmt.Fprintf(&b, "%s: already flagged\n", id)
						}
					}
					return b.String()
				}); err != nil {
					return err
				}
				return errors.Join(errs...)
			})
		},
	}
}

func newRestartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <id>",
		Short: "Restart a waiting job in place or a stopped job as a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd, func(svc bootstrap.ServiceContainer) error {
				id, err := svc.Queue.Restart(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				result := map[string]string{"id": id, "previous_id": args[0]}
				return ctx.output(cmd, result, func() string {
					if id == args[0] {
						return fmt.Sprintf("%s: restarted\n", id)
					}
					return fmt.Sprintf("%s: restarted as %s\n", args[0], id)
				})
			})
		},
	}
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job, falling back to the journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd, func(svc bootstrap.ServiceContainer) error {
				view, err := svc.Queue.GetDetail(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				// details are nested; JSON is the only readable rendering
				return writeJSON(cmd, view)
			})
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var (
		names   []string
		states  []string
		marked  []string
		worker  string
		limit   int
		journal bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live jobs, or archived jobs with --journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := model.JobFilter{Names: names, LockedBy: worker, Limit: limit}
			for _, s := range states {
				st := model.State(strings.ToLower(s))
				if !st.Valid() {
					return fmt.Errorf("unknown state %q", s)
				}
				filter.States = append(filter.States, st)
			}
			for _, m := range marked {
				mk, err := parseMarker(m)
				if err != nil {
					return err
				}
				filter.Marked = append(filter.Marked, mk)
			}
			return ctx.withServices(cmd, func(svc bootstrap.ServiceContainer) error {
				var (
					views []service.JobView
					err   error
				)
				if journal {
					views, err = svc.Queue.Journal(cmd.Context(), limit)
				} else {
					views, err = svc.Queue.List(cmd.Context(), filter)
				}
				if err != nil {
					return err
				}
				return ctx.output(cmd, views, func() string {
					if len(views) == 0 {
						return "no jobs\n"
					}
					return renderTable(jobTable(views))
				})
			})
		},
	}
	cmd.Flags().StringSliceVar(&names, "name", nil, "Filter by job type (repeatable)")
	cmd.Flags().StringSliceVar(&states, "state", nil, "Filter by state (repeatable)")
	cmd.Flags().StringSliceVar(&marked, "marked", nil, "Filter by marker: zombie, wall, removed, killed")
	cmd.Flags().StringVar(&worker, "worker", "", "Filter by locking daemon id")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of jobs")
	cmd.Flags().BoolVar(&journal, "journal", false, "List archived jobs, newest first")
	return cmd
}

// parseMarker accepts a marker by its short name ("wall") or its field name ("wall_at").
func parseMarker(raw string) (model.Marker, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if !strings.HasSuffix(name, "_at") {
		name += "_at"
	}
	m := model.Marker(name)
	if !m.Valid() {
		return "", fmt.Errorf("unknown marker %q", raw)
	}
	return m, nil
}

func jobTable(views []service.JobView) tableSpec {
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		worker := util.Placeholder
		if v.Locked != nil {
			worker = v.Locked.Worker
		}
		rows = append(rows, []string{
			v.ID,
			v.Name,
			string(v.State),
			v.Flags,
			strconv.Itoa(v.Priority),
			fmt.Sprintf("%d/%d", v.Trial, v.Attempts),
			util.FormatDuration(v.Age),
			worker,
		})
	}
	return tableSpec{
		Headers: []string{"ID", "Name", "State", "Flags", "Prio", "Trial", "Age", "Worker"},
		Rows:    rows,
		Right:   []int{5, 6, 7},
	}
}
