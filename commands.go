package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/web-casa/mcstack/internal/model"
	"github.com/web-casa/mcstack/internal/service"
)

// withApp runs fn against a freshly wired core. Operator commands skip the
// audit database but still fire hooks.
func withApp(cmd *cobra.Command, f *flags, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(loadConfig(*f), false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(service.WithSource(cmd.Context(), "cli"), a)
}

func parseIDArg(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid stack id %q", arg)
	}
	return id, nil
}

func newListCmd(f *flags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stacks with their live status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, f, func(ctx context.Context, a *app) error {
				list, err := a.status.List(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(list)
				}
				printList(cmd, list)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printList(cmd *cobra.Command, list *model.StackList) {
	out := cmd.OutOrStdout()
	if list.PublicAddress != "" {
		fmt.Fprintf(out, "public address: %s\n", list.PublicAddress)
	}
	if len(list.Stacks) == 0 {
		fmt.Fprintln(out, "no stacks")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tMINECRAFT\tSFTP")
	for _, st := range list.Stacks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", st.ID, st.State,
			formatService(st.Services.Primary), formatService(st.Services.Transfer))
	}
	tw.Flush()
}

func formatService(s model.ServiceStatus) string {
	if s.PublishedPort == nil {
		return string(s.State)
	}
	return fmt.Sprintf("%s :%d", s.State, *s.PublishedPort)
}

func newCreateCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create and start a new stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, f, func(ctx context.Context, a *app) error {
				created, err := a.stacks.Create(ctx)
				if err != nil {
					return reportErr(cmd.ErrOrStderr(), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stack %d created: minecraft %d, rcon %d, sftp %d\n",
					created.ID, created.Ports.Primary, created.Ports.Control, created.Ports.Transfer)
				return nil
			})
		},
	}
}

func newStartCmd(f *flags) *cobra.Command {
	return idCommand(f, "start <id>", "Start a stack's containers", "started",
		func(ctx context.Context, a *app, id int) error { return a.stacks.Start(ctx, id) })
}

func newStopCmd(f *flags) *cobra.Command {
	return idCommand(f, "stop <id>", "Stop a stack's containers", "stopped",
		func(ctx context.Context, a *app, id int) error { return a.stacks.Stop(ctx, id) })
}

func newDeleteCmd(f *flags) *cobra.Command {
	return idCommand(f, "delete <id>", "Delete a stack, its volume and directory", "deleted",
		func(ctx context.Context, a *app, id int) error { return a.stacks.Delete(ctx, id) })
}

func idCommand(f *flags, use, short, done string, op func(context.Context, *app, int) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, f, func(ctx context.Context, a *app) error {
				if err := op(ctx, a, id); err != nil {
					return reportErr(cmd.ErrOrStderr(), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stack %d %s\n", id, done)
				return nil
			})
		},
	}
}

// reportErr prints the runtime's stderr, which an operator on the host may
// always see, and returns err for the exit status.
func reportErr(w io.Writer, err error) error {
	var se *service.StackError
	if errors.As(err, &se) && se.Stderr != "" {
		fmt.Fprintln(w, se.Stderr)
	}
	return err
}
