package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"conversation-engine/backend/internal/models"
	"conversation-engine/backend/internal/queue"
	"conversation-engine/backend/internal/queue/sqliteq"
	"conversation-engine/backend/internal/service"
	"conversation-engine/backend/internal/sweep"
	"conversation-engine/backend/pkg/config"
	"conversation-engine/backend/pkg/di"
	"conversation-engine/backend/pkg/jwt"
	"conversation-engine/backend/pkg/logger"
	"conversation-engine/backend/pkg/secrets"

	"github.com/spf13/cobra"
)

func migrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the conversation schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			force := func(cfg *config.Config) { cfg.Database.AutoMigrate = true }
			return withContainer(cmd, opts, force, func(ctx context.Context, c *di.Container) error {
				fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", c.Config.Database.Driver)
				return nil
			})
		},
	}
}

func transitionCmd(opts *rootOptions) *cobra.Command {
	var (
		to     string
		reason string
		actor  string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "transition <conversation-id>",
		Short: "Request a status change for a conversation",
		Long: `Requests a lifecycle transition on behalf of an operator. With --force a
stronger terminal state replaces a weaker one and the history row records an
override.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := models.Status(strings.ToUpper(to))
			if !status.Valid() {
				return fmt.Errorf("unknown status %q", to)
			}

			return withContainer(cmd, opts, nil, func(ctx context.Context, c *di.Container) error {
				res, err := c.Lifecycle.Transition(ctx, service.TransitionRequest{
					ConversationID: args[0],
					To:             status,
					Reason:         reason,
					Actor:          models.Actor{Kind: models.ActorOperator, ID: actor},
					Force:          force,
				})
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "%s: %s (version %d, %s)\n",
						res.Conversation.ID, res.Conversation.Status, res.Conversation.Version, res.Outcome)
				})
			})
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded in the history")
	cmd.Flags().StringVar(&actor, "actor", "convctl", "operator id recorded in the history")
	cmd.Flags().BoolVar(&force, "force", false, "override the transition table")
	cmd.MarkFlagRequired("to")
	return cmd
}

func historyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print the state history of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, opts, nil, func(ctx context.Context, c *di.Container) error {
				if _, err := c.Conversations.Get(ctx, args[0]); err != nil {
					return err
				}
				rows, err := c.Conversations.History(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), rows, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "VERSION\tAT\tFROM\tTO\tACTOR\tREASON")
					for _, r := range rows {
						fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
							r.Version, r.CreatedAt.Format(time.RFC3339), r.FromStatus, r.ToStatus, r.Actor, r.Reason)
					}
					tw.Flush()
				})
			})
		},
	}
}

func sweepCmd(opts *rootOptions) *cobra.Command {
	var (
		kind    string
		enqueue bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Close idle and expired conversations",
		Long: `Runs one sweep batch in-process. With --enqueue the sweep jobs are
published to the queue instead, exactly as the scheduler does on each tick.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var kinds []sweep.Kind
			switch kind {
			case "all":
				kinds = []sweep.Kind{sweep.KindIdle, sweep.KindExpired}
			case string(sweep.KindIdle), string(sweep.KindExpired):
				kinds = []sweep.Kind{sweep.Kind(kind)}
			default:
				return fmt.Errorf("unknown sweep kind %q: must be idle, expired or all", kind)
			}

			return withContainer(cmd, opts, nil, func(ctx context.Context, c *di.Container) error {
				if enqueue {
					scheduler := sweep.NewScheduler(c.Queue, sweep.SchedulerConfig{BatchSize: c.Config.Sweep.BatchSize}, c.Logger)
					if err := scheduler.Tick(ctx); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "sweep jobs enqueued")
					return nil
				}

				payload := queue.SweepPayload{BatchSize: c.Config.Sweep.BatchSize, ScheduledAt: time.Now().UTC()}
				var reports []*sweep.Report
				for _, k := range kinds {
					report, err := c.Sweeper.Sweep(ctx, k, payload)
					if err != nil {
						return err
					}
					reports = append(reports, report)
				}
				return opts.print(cmd.OutOrStdout(), reports, func(w io.Writer) {
					for _, r := range reports {
						fmt.Fprintf(w, "%s: scanned=%d closed=%d skipped=%d failed=%d continued=%t\n",
							r.Kind, r.Scanned, r.Closed, r.Skipped, r.Failed, r.Continued)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "all", "sweep kind (idle|expired|all)")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "publish sweep jobs instead of running them")
	return cmd
}

type statsView struct {
	Conversations map[models.Status]int64 `json:"conversations"`
	Queue         []sqliteq.Stats         `json:"queue,omitempty"`
}

func statsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print conversation counts and local queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, opts, nil, func(ctx context.Context, c *di.Container) error {
				counts, err := c.Conversations.CountByStatus(ctx)
				if err != nil {
					return err
				}
				view := statsView{Conversations: make(map[models.Status]int64, len(models.AllStatuses))}
				for _, s := range models.AllStatuses {
					view.Conversations[s] = counts[s]
				}
				if q, ok := c.Queue.(*sqliteq.Queue); ok {
					if view.Queue, err = q.Stats(ctx); err != nil {
						return err
					}
				}

				return opts.print(cmd.OutOrStdout(), view, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "STATUS\tCOUNT")
					for _, s := range models.AllStatuses {
						fmt.Fprintf(tw, "%s\t%d\n", s, view.Conversations[s])
					}
					if len(view.Queue) > 0 {
						fmt.Fprintln(tw, "\nTOPIC\tPENDING\tDEAD")
						for _, q := range view.Queue {
							fmt.Fprintf(tw, "%s\t%d\t%d\n", q.Topic, q.Pending, q.Dead)
						}
					}
					tw.Flush()
				})
			})
		},
	}
}

func tokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			sm, err := secrets.New(cmd.Context(), cfg, logger.Nop())
			if err != nil {
				return err
			}
			secret := sm.GetSecretWithDefault(cmd.Context(), secrets.KeyJWTSecret, cfg.JWT.Secret)
			svc := jwt.NewService(secret, cfg.JWT.Issuer, ttl)
			token, err := svc.GenerateToken(subject, jwt.Role(role))
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), map[string]string{"token": token}, func(w io.Writer) {
				fmt.Fprintln(w, token)
			})
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "operator id")
	cmd.Flags().StringVar(&role, "role", string(jwt.RoleViewer), "role (admin|operator|support|viewer)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	cmd.MarkFlagRequired("subject")
	return cmd
}
