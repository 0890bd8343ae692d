package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/appstead/appstead/internal/app"
	"github.com/appstead/appstead/pkg/client"
)

func newClient(global *GlobalFlags) (*client.Client, context.Context, error) {
	c := client.New(client.Config{
		BaseURL: global.APIUrl,
		Timeout: global.APITimeout,
	})
	ctx := context.Background()
	if !c.IsReachable(ctx) {
		return nil, nil, fmt.Errorf("daemon not reachable at %s - start it with 'appstead serve'", global.APIUrl)
	}
	return c, ctx, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func createUploadCommand(global *GlobalFlags) *cobra.Command {
	var req client.UploadRequest
	var restartMode string
	var maxRestarts int

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Register a new app from an archive or a git repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, err := newClient(global)
			if err != nil {
				return err
			}
			if restartMode != "" {
				req.Restart = &app.RestartPolicy{
					Mode:        app.RestartMode(restartMode),
					MaxRestarts: maxRestarts,
				}
			}
			a, err := c.Upload(ctx, req)
			if err != nil {
				return err
			}
			printJSON(a)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "unique app name")
	cmd.Flags().StringVar(&req.DisplayName, "display-name", "", "human readable name")
	cmd.Flags().StringVar(&req.Description, "description", "", "free-form description")
	cmd.Flags().StringVar(&req.Kind, "kind", "perpetual", "perpetual or scheduled")
	cmd.Flags().StringVar(&req.Entrypoint, "entrypoint", "", "entrypoint relative to the source root (auto-detected when empty)")
	cmd.Flags().StringArrayVar(&req.Env, "env", nil, "KEY=VALUE environment entry (repeatable)")
	cmd.Flags().StringVar(&req.ArchivePath, "archive", "", "path to a zip archive of the source")
	cmd.Flags().StringVar(&req.GitURL, "git-url", "", "git repository URL")
	cmd.Flags().StringVar(&req.GitBranch, "git-branch", "", "git branch (remote default when empty)")
	cmd.Flags().StringVar(&restartMode, "restart-mode", "", "never, always or on-failure")
	cmd.Flags().IntVar(&maxRestarts, "max-restarts", 0, "restart budget inside the window")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func createUpdateCommand(global *GlobalFlags) *cobra.Command {
	var archivePath, gitURL, gitBranch string
	createBackup := true
	reinstallDeps := true

	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Replace an app's source, keeping the previous version as a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, err := newClient(global)
			if err != nil {
				return err
			}
			a, err := c.Update(ctx, args[0], client.UpdateRequest{
				ArchivePath:   archivePath,
				GitURL:        gitURL,
				GitBranch:     gitBranch,
				SkipBackup:    !createBackup,
				SkipReinstall: !reinstallDeps,
			})
			if err != nil {
				return err
			}
			printJSON(a)
			return nil
		},
	}
	cmd.Flags().StringVar(&archivePath, "archive", "", "path to a zip archive of the new source")
	cmd.Flags().StringVar(&gitURL, "git-url", "", "git repository URL (app's recorded origin when empty)")
	cmd.Flags().StringVar(&gitBranch, "git-branch", "", "git branch")
	cmd.Flags().BoolVar(&createBackup, "create-backup", true, "keep the previous source tree as a timestamped backup")
	cmd.Flags().BoolVar(&reinstallDeps, "reinstall-deps", true, "rebuild the environment even when the manifest is unchanged")
	return cmd
}

func createVerbCommand(global *GlobalFlags, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, err := newClient(global)
			if err != nil {
				return err
			}
			var a *app.App
			switch verb {
			case "install":
				a, err = c.Install(ctx, args[0])
			case "enable":
				a, err = c.Enable(ctx, args[0])
			case "disable":
				a, err = c.Disable(ctx, args[0])
			case "start":
				a, err = c.Start(ctx, args[0])
			case "stop":
				a, err = c.Stop(ctx, args[0])
			case "restart":
				a, err = c.Restart(ctx, args[0])
			}
			if err != nil {
				return err
			}
			printJSON(a)
			return nil
		},
	}
}

func createRunCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <name>",
		Short: "Run a scheduled app once, now, and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, err := newClient(global)
			if err != nil {
				return err
			}
			e, err := c.Run(ctx, args[0])
			if err != nil {
				return err
			}
			printJSON(e)
			return nil
		},
	}
}

func createDeleteCommand(global *GlobalFlags) *cobra.Command {
	var hard bool

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Stop, remove and soft-delete an app; execution history is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, err := newClient(global)
			if err != nil {
				return err
			}
			if err := c.Delete(ctx, args[0], hard); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&hard, "hard", false, "also remove source, environment and backup files")
	return cmd
}

func createListCommand(global *GlobalFlags) *cobra.Command {
	var includeDeleted bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List managed apps",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, err := newClient(global)
			if err != nil {
				return err
			}
			apps, err := c.List(ctx, includeDeleted)
			if err != nil {
				return err
			}
			printJSON(apps)
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeDeleted, "deleted", false, "include soft-deleted apps")
	return cmd
}

func createStatusCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Show one app's record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, err := newClient(global)
			if err != nil {
				return err
			}
			a, err := c.Get(ctx, args[0])
			if err != nil {
				return err
			}
			printJSON(a)
			return nil
		},
	}
}

func createExecutionsCommand(global *GlobalFlags) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "executions <name>",
		Short: "Show an app's execution history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, err := newClient(global)
			if err != nil {
				return err
			}
			execs, err := c.Executions(ctx, args[0], status, limit)
			if err != nil {
				return err
			}
			printJSON(execs)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (success, failed, timeout, orphaned, running, pending)")
	cmd.Flags().IntVar(&limit, "limit", 20, "max records")
	return cmd
}

func createScheduleCommand(global *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage the schedules of a scheduled app",
	}
	cmd.AddCommand(createScheduleAddCommand(global))
	cmd.AddCommand(createScheduleListCommand(global))
	cmd.AddCommand(createScheduleRemoveCommand(global))
	return cmd
}

func createScheduleAddCommand(global *GlobalFlags) *cobra.Command {
	var s app.Schedule
	var interval, timeout time.Duration

	cmd := &cobra.Command{
		Use:   "add <app>",
		Short: "Add a cron or interval trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, err := newClient(global)
			if err != nil {
				return err
			}
			s.Interval = interval
			s.Timeout = timeout
			s.Enabled = true
			if s.CronExpr != "" {
				s.Type = app.ScheduleCron
			} else {
				s.Type = app.ScheduleInterval
			}
			out, err := c.AddSchedule(ctx, args[0], s)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&s.Name, "name", "", "schedule name, unique within the app")
	cmd.Flags().StringVar(&s.CronExpr, "cron", "", "five-field cron expression or @descriptor")
	cmd.Flags().DurationVar(&interval, "interval", 0, "fixed interval between fires")
	cmd.Flags().StringVar(&s.Timezone, "timezone", "", "IANA timezone for cron evaluation (UTC default)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-run timeout (daemon default when zero)")
	cmd.Flags().StringVar((*string)(&s.Misfire), "misfire", "", "skip or fire-once")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func createScheduleListCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list <app>",
		Short: "List an app's schedules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, err := newClient(global)
			if err != nil {
				return err
			}
			scheds, err := c.Schedules(ctx, args[0])
			if err != nil {
				return err
			}
			printJSON(scheds)
			return nil
		},
	}
}

func createScheduleRemoveCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <app> <schedule-id>",
		Short: "Cancel and delete one schedule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, err := newClient(global)
			if err != nil {
				return err
			}
			if err := c.RemoveSchedule(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("removed schedule %s\n", args[1])
			return nil
		},
	}
}
