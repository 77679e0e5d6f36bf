package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gigo/statfix/internal/database/types"
	"github.com/gigo/statfix/internal/progress"
	"github.com/gigo/statfix/internal/queue"
	"github.com/gigo/statfix/internal/reconcile"
	"github.com/gigo/statfix/internal/redis"
	"github.com/gigo/statfix/internal/snapshot"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

var (
	// ErrKeysFailed is returned when a run completed but some users could not be reconciled.
	ErrKeysFailed = errors.New("some users failed to reconcile")
	// ErrUnknownKind is returned for a duplicate class other than open or daily.
	ErrUnknownKind = errors.New("unknown duplicate kind")
)

// StatsCommands returns the user_stats maintenance commands.
func StatsCommands(deps *CLIDependencies) []*cli.Command {
	return []*cli.Command{
		{
			Name:  "stats",
			Usage: "Inspect and repair duplicate user_stats rows",
			Commands: []*cli.Command{
				{
					Name:   "scan",
					Usage:  "Count duplicate groups without deleting anything",
					Action: withApp(deps, handleScan(deps)),
				},
				{
					Name:  "groups",
					Usage: "List duplicate groups with the row kept and the rows to delete",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:    "kind",
							Usage:   "Duplicate class to list (open or daily)",
							Value:   string(types.DuplicateOpen),
							Aliases: []string{"k"},
						},
						&cli.IntFlag{
							Name:    "limit",
							Usage:   "Maximum number of groups to print",
							Value:   50,
							Aliases: []string{"l"},
						},
					},
					Action: withApp(deps, handleGroups(deps)),
				},
				{
					Name:  "reconcile",
					Usage: "Remove open duplicates per user, then daily duplicates",
					Description: `Keeps the row with the smallest id of every duplicate group and deletes the rest.

Examples:
  statfix stats reconcile                           # Every user, both passes
  statfix stats reconcile --users 12,57             # Only these users for the open pass
  statfix stats reconcile --from-queue              # Users that failed in an earlier run
  statfix stats reconcile --failed-out failed.txt   # Write failed users for --users-file`,
					Flags:  reconcileFlags(),
					Action: withApp(deps, handleReconcile(deps, reconcile.PassAll)),
				},
				{
					Name:   "reconcile-open",
					Usage:  "Remove surplus open rows per user",
					Flags:  reconcileFlags(),
					Action: withApp(deps, handleReconcile(deps, reconcile.PassOpen)),
				},
				{
					Name:   "reconcile-daily",
					Usage:  "Remove surplus rows per user and date in one transaction",
					Flags:  reconcileFlags(),
					Action: withApp(deps, handleReconcile(deps, reconcile.PassDaily)),
				},
				{
					Name:  "snapshot",
					Usage: "Export duplicate groups to a SQLite file for auditing",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:    "out",
							Usage:   "Snapshot file to write",
							Value:   "duplicates.db",
							Aliases: []string{"o"},
						},
					},
					Action: withApp(deps, handleSnapshot(deps)),
				},
				{
					Name:  "failed",
					Usage: "Manage users whose reconciliation failed",
					Commands: []*cli.Command{
						{
							Name:  "list",
							Usage: "Show queued users",
							Flags: []cli.Flag{
								&cli.IntFlag{
									Name:    "limit",
									Usage:   "Maximum number of users to print",
									Value:   100,
									Aliases: []string{"l"},
								},
							},
							Action: withApp(deps, handleFailedList(deps)),
						},
						{
							Name:   "clear",
							Usage:  "Remove every queued user",
							Action: withApp(deps, handleFailedClear(deps)),
						},
					},
				},
			},
		},
	}
}

func reconcileFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "users",
			Usage:   "Comma separated user ids to reconcile instead of every user",
			Aliases: []string{"u"},
		},
		&cli.StringFlag{
			Name:  "users-file",
			Usage: "File with one user id per line to reconcile instead of every user",
		},
		&cli.BoolFlag{
			Name:  "from-queue",
			Usage: "Reconcile the users queued by earlier failed runs",
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Usage:   "Number of users reconciled in parallel (overrides reconcile.concurrency)",
			Aliases: []string{"c"},
		},
		&cli.StringFlag{
			Name:  "failed-out",
			Usage: "Write the ids of failed users to this file",
		},
		&cli.StringFlag{
			Name:  "snapshot",
			Usage: "Export the duplicate groups to this SQLite file before deleting",
		},
		&cli.BoolFlag{
			Name:  "no-lock",
			Usage: "Do not take the redis run lock",
		},
		&cli.BoolFlag{
			Name:  "no-progress",
			Usage: "Do not draw a progress bar",
		},
	}
}

// handleScan handles the 'stats scan' command.
func handleScan(deps *CLIDependencies) cli.ActionFunc {
	return func(ctx context.Context, _ *cli.Command) error {
		r := reconcile.New(deps.App.DB, &deps.App.Config.Reconcile, deps.Retrier(), deps.App.Logger)

		summary, err := r.Scan(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Open duplicates:  %d users, %d rows to delete\n", summary.OpenGroups, summary.OpenExcess)
		fmt.Printf("Daily duplicates: %d user days, %d rows to delete\n", summary.DailyGroups, summary.DailyExcess)

		if summary.Clean() {
			fmt.Println("No duplicates found.")
		}

		return nil
	}
}

// handleGroups handles the 'stats groups' command.
func handleGroups(deps *CLIDependencies) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		kind := types.DuplicateKind(c.String("kind"))
		if kind != types.DuplicateOpen && kind != types.DuplicateDaily {
			return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		}

		r := reconcile.New(deps.App.DB, &deps.App.Config.Reconcile, deps.Retrier(), deps.App.Logger)

		groups, err := r.DuplicateGroups(ctx, kind)
		if err != nil {
			return err
		}

		limit := max(int(c.Int("limit")), 1)
		for i, group := range groups {
			if i == limit {
				fmt.Printf("... %d more groups\n", len(groups)-limit)
				break
			}

			fmt.Printf("user %d %s keep %d delete %v\n", group.UserID, group.Date, group.KeepID, group.DropIDs)
		}

		fmt.Printf("%d %s duplicate groups\n", len(groups), kind)

		return nil
	}
}

// handleReconcile handles the reconcile commands for the given passes.
func handleReconcile(deps *CLIDependencies, passes reconcile.Pass) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		app := deps.App

		cfg := app.Config.Reconcile
		if c.IsSet("concurrency") {
			cfg.Concurrency = int(c.Int("concurrency"))
		}

		userIDs, err := selectUsers(ctx, deps, c)
		if err != nil {
			return err
		}

		if c.Bool("from-queue") && len(userIDs) == 0 {
			fmt.Println("No queued users to reconcile.")
			return nil
		}

		r := reconcile.New(app.DB, &cfg, deps.Retrier(), app.Logger)

		if app.RedisManager.Enabled() && !c.Bool("no-lock") {
			client, err := app.RedisManager.GetClient(redis.LockDBIndex)
			if err != nil {
				return err
			}

			r.WithLock(redis.NewLock(client, cfg.LockName, cfg.LockTTLDuration(), app.Logger))
		} else {
			app.Logger.Warn("Running without the run lock; no other process may insert user_stats rows meanwhile")
		}

		if path := c.String("snapshot"); path != "" {
			if err := writeSnapshot(ctx, r, path, passes); err != nil {
				return err
			}
		}

		var renderer *progress.Renderer

		if !c.Bool("no-progress") {
			bar := progress.NewBar(0, 40, "Reconciling")
			renderer = progress.NewRenderer(os.Stderr, bar)
			r.WithProgress(bar)

			go renderer.Render()
		}

		report, runErr := r.Run(ctx, reconcile.Options{UserIDs: userIDs, Passes: passes})

		if renderer != nil {
			renderer.Stop()
		}

		fmt.Println(report.Summary())

		if err := handleFailures(ctx, deps, c, report); err != nil {
			app.Logger.Error("Failed to record failed users", zap.Error(err))
		}

		if runErr != nil {
			return runErr
		}

		if n := report.KeysFailed(); n > 0 {
			return fmt.Errorf("%w: %d users", ErrKeysFailed, n)
		}

		return nil
	}
}

// selectUsers resolves the explicit user selection. Nil means every user.
func selectUsers(ctx context.Context, deps *CLIDependencies, c *cli.Command) ([]int64, error) {
	var ids []int64

	if list := c.String("users"); list != "" {
		parsed, err := parseUserIDs(list)
		if err != nil {
			return nil, err
		}

		ids = append(ids, parsed...)
	}

	if path := c.String("users-file"); path != "" {
		parsed, err := readUserIDsFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read users file: %w", err)
		}

		ids = append(ids, parsed...)
	}

	if c.Bool("from-queue") {
		failed, err := failedQueue(deps)
		if err != nil {
			return nil, err
		}

		queued, err := failed.UserIDs(ctx)
		if err != nil {
			return nil, err
		}

		ids = append(ids, queued...)
	}

	if len(ids) == 0 && (c.IsSet("users") || c.IsSet("users-file")) {
		return nil, ErrNoUsers
	}

	return ids, nil
}

// handleFailures writes and queues the users that failed, and drops committed users
// from the queue after a re-run.
func handleFailures(ctx context.Context, deps *CLIDependencies, c *cli.Command, report *reconcile.Report) error {
	failedIDs := report.FailedIDs()

	if path := c.String("failed-out"); path != "" {
		if err := writeUserIDsFile(path, failedIDs); err != nil {
			return fmt.Errorf("failed to write failed users: %w", err)
		}

		fmt.Printf("Wrote %d failed user ids to %s\n", len(failedIDs), path)
	}

	if !deps.App.RedisManager.Enabled() {
		return nil
	}

	failed, err := failedQueue(deps)
	if err != nil {
		return err
	}

	if c.Bool("from-queue") {
		if err := failed.Remove(ctx, report.SucceededIDs()); err != nil {
			return err
		}
	}

	if len(failedIDs) == 0 {
		return nil
	}

	now := time.Now()
	entries := make([]queue.Entry, 0, len(report.Failed))

	for _, failure := range report.Failed {
		entries = append(entries, queue.Entry{
			UserID:   failure.UserID,
			Reason:   failure.Err.Error(),
			FailedAt: now,
		})
	}

	if err := failed.Add(ctx, entries); err != nil {
		return err
	}

	fmt.Printf("Queued %d failed users (re-run with --from-queue)\n", len(entries))

	return nil
}

// handleSnapshot handles the 'stats snapshot' command.
func handleSnapshot(deps *CLIDependencies) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		r := reconcile.New(deps.App.DB, &deps.App.Config.Reconcile, deps.Retrier(), deps.App.Logger)
		return writeSnapshot(ctx, r, c.String("out"), reconcile.PassAll)
	}
}

// writeSnapshot exports the duplicate groups the given passes would delete.
func writeSnapshot(ctx context.Context, r *reconcile.Reconciler, path string, passes reconcile.Pass) error {
	var groups []*types.DuplicateGroup

	if passes&reconcile.PassOpen != 0 {
		open, err := r.DuplicateGroups(ctx, types.DuplicateOpen)
		if err != nil {
			return err
		}

		groups = append(groups, open...)
	}

	if passes&reconcile.PassDaily != 0 {
		daily, err := r.DuplicateGroups(ctx, types.DuplicateDaily)
		if err != nil {
			return err
		}

		groups = append(groups, daily...)
	}

	n, err := snapshot.Write(path, groups)
	if err != nil {
		return err
	}

	fmt.Printf("Wrote %d rows of %d duplicate groups to %s\n", n, len(groups), path)

	return nil
}

// handleFailedList handles the 'stats failed list' command.
func handleFailedList(deps *CLIDependencies) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		failed, err := failedQueue(deps)
		if err != nil {
			return err
		}

		total, err := failed.Len(ctx)
		if err != nil {
			return err
		}

		entries, err := failed.List(ctx, int(c.Int("limit")))
		if err != nil {
			return err
		}

		for _, entry := range entries {
			fmt.Printf("%d\tattempts=%d\tlast=%s\t%s\n",
				entry.UserID, entry.Attempts, entry.FailedAt.Format(time.RFC3339), entry.Reason)
		}

		fmt.Printf("%d users queued\n", total)

		return nil
	}
}

// handleFailedClear handles the 'stats failed clear' command.
func handleFailedClear(deps *CLIDependencies) cli.ActionFunc {
	return func(ctx context.Context, _ *cli.Command) error {
		failed, err := failedQueue(deps)
		if err != nil {
			return err
		}

		ids, err := failed.UserIDs(ctx)
		if err != nil {
			return err
		}

		if err := failed.Remove(ctx, ids); err != nil {
			return err
		}

		deps.App.Logger.Info("Cleared failed users", zap.Int("count", len(ids)))

		return nil
	}
}

func failedQueue(deps *CLIDependencies) (*queue.Manager, error) {
	client, err := deps.App.RedisManager.GetClient(redis.QueueDBIndex)
	if errors.Is(err, redis.ErrDisabled) {
		return nil, ErrRedisRequired
	} else if err != nil {
		return nil, err
	}

	return queue.NewManager(client, deps.App.Logger), nil
}
