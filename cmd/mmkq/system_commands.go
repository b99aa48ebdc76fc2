package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/target/mmk-queue/internal/bootstrap"
	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/service"
	"github.com/target/mmk-queue/internal/util"
)

func newSystemCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newStateCommand(ctx),
		newCountsCommand(ctx),
		newDaemonsCommand(ctx),
		newStatusCommand(ctx),
		newHaltCommand(ctx),
		newMaintenanceCommand(ctx),
	}
}

func newStateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show live jobs grouped by type, state and flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withServices(cmd, func(svc bootstrap.ServiceContainer) error {
				groups, err := svc.Queue.State(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.output(cmd, groups, func() string {
					if len(groups) == 0 {
						return "queue is empty\n"
					}
					rows := make([][]string, 0, len(groups))
					for _, g := range groups {
						rows = append(rows, []string{g.Name, string(g.State), g.Flags(), strconv.Itoa(g.Count)})
					}
					return renderTable(tableSpec{
						Headers: []string{"Name", "State", "Flags", "Jobs"},
						Rows:    rows,
						Right:   []int{4},
					})
				})
			})
		},
	}
}

func newCountsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Show live job counts per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withServices(cmd, func(svc bootstrap.ServiceContainer) error {
				counts, err := svc.Queue.Counts(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.output(cmd, counts, func() string {
					return renderTable(countsTable(counts))
				})
			})
		},
	}
}

func countsTable(counts model.QueueCounts) tableSpec {
	rows := make([][]string, 0, len(model.AllStates)+1)
	for _, st := range model.AllStates {
		rows = append(rows, []string{string(st), strconv.Itoa(counts[st])})
	}
	rows = append(rows, []string{"total", strconv.Itoa(counts.Total())})
	return tableSpec{Headers: []string{"State", "Jobs"}, Rows: rows, Right: []int{2}}
}

func newDaemonsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "daemons",
		Short: "List registered daemons and their heartbeat age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withServices(cmd, func(svc bootstrap.ServiceContainer) error {
				daemons, err := svc.Status.Daemons(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.output(cmd, daemons, func() string {
					if len(daemons) == 0 {
						return "no daemons registered\n"
					}
					return renderTable(daemonTable(daemons))
				})
			})
		},
	}
}

func daemonTable(daemons []model.DaemonStatus) tableSpec {
	rows := make([][]string, 0, len(daemons))
	for _, d := range daemons {
		alive := "no"
		if d.Alive {
			alive = "yes"
		}
		endpoint := util.Placeholder
		if !d.Endpoint.Empty() {
			endpoint = fmt.Sprintf("%s://%s:%d", d.Endpoint.Protocol, d.Endpoint.Address, d.Endpoint.Port)
		}
		rows = append(rows, []string{
			d.ID,
			string(d.Kind),
			strconv.Itoa(d.PID),
			alive,
			util.FormatDurationPtr(d.HeartbeatAge),
			util.FormatDurationPtr(d.LoopTime),
			phaseName(d.Phase),
			endpoint,
		})
	}
	return tableSpec{
		Headers: []string{"ID", "Kind", "PID", "Alive", "Heartbeat", "Loop", "Phase", "Endpoint"},
		Rows:    rows,
		Right:   []int{3, 5, 6},
	}
}

// phaseName returns the most advanced lifecycle phase recorded.
func phaseName(p model.Phases) string {
	switch {
	case p.Exit != nil:
		return "exit"
	case p.Shutdown != nil:
		return "shutdown"
	case p.Loop != nil:
		return "loop"
	case p.Startup != nil:
		return "startup"
	}
	return util.Placeholder
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize counts, daemons and system sentinels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withServices(cmd, func(svc bootstrap.ServiceContainer) error {
				summary, err := svc.Status.Summary(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.output(cmd, summary, func() string { return renderStatus(summary) })
			})
		},
	}
}

func renderStatus(s service.SystemStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "as of:       %s\n", util.FormatTime(&s.At))
	fmt.Fprintf(&b, "halt:        %s\n", util.FormatTime(s.Halt))
	fmt.Fprintf(&b, "maintenance: %s\n", util.FormatTime(s.Maintenance))
	fmt.Fprintf(&b, "live jobs:   %d\n\n", s.Counts.Total())
	if len(s.Daemons) > 0 {
		b.WriteString(renderTable(daemonTable(s.Daemons)))
	}
	return b.String()
}

func newHaltCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "halt",
		Short: "Ask every running daemon to shut down",
		Long: "Stamps the halt sentinel. Every daemon that started before the stamp " +
			"shuts down on its next loop; daemons started later ignore it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withServices(cmd, func(svc bootstrap.ServiceContainer) error {
				at, err := svc.Queue.Halt(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.output(cmd, map[string]time.Time{"halt": at}, func() string {
					return fmt.Sprintf("halt requested at %s\n", util.FormatTime(&at))
				})
			})
		},
	}
}

func newMaintenanceCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Pause or resume job processing",
	}
	cmd.AddCommand(
		maintenanceSubcommand(ctx, "enter", "Stop starting new jobs", func(cmd *cobra.Command, q *service.QueueService) error {
			return q.EnterMaintenance(cmd.Context())
		}),
		maintenanceSubcommand(ctx, "leave", "Resume starting jobs", func(cmd *cobra.Command, q *service.QueueService) error {
			return q.LeaveMaintenance(cmd.Context())
		}),
		maintenanceSubcommand(ctx, "status", "Show whether maintenance is on", nil),
	)
	return cmd
}

func maintenanceSubcommand(
	ctx *commandContext,
	use, short string,
	apply func(*cobra.Command, *service.QueueService) error,
) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withServices(cmd, func(svc bootstrap.ServiceContainer) error {
				if apply != nil {
					if err := apply(cmd, svc.Queue); err != nil {
						return err
					}
				}
				since, err := svc.Queue.Maintenance(cmd.Context())
				if err != nil {
					return err
				}
				result := map[string]any{"maintenance": since != nil, "since": since}
				return ctx.output(cmd, result, func() string {
					if since == nil {
						return "maintenance: off\n"
					}
					return fmt.Sprintf("maintenance: on since %s\n", util.FormatTime(since))
				})
			})
		},
	}
}
