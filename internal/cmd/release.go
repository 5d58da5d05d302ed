package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cgpu-dev/cgpu/internal/api"
)

func newReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release [endpoint]",
		Short: "Shut down a runtime's kernels so the assignment can be reclaimed",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRelease,
	}
	cmd.Flags().Bool("all", false, "release every assigned runtime")
	return cmd
}

func runRelease(cmd *cobra.Command, args []string) error {
	app, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer app.close()

	all, _ := cmd.Flags().GetBool("all")
	if !all && len(args) == 0 {
		return fmt.Errorf("pass an endpoint or --all")
	}

	ctx, cancel := signalContext(app.logger)
	defer cancel()

	assignments, err := app.api.ListAssignments(ctx)
	if err != nil {
		return fmt.Errorf("list assignments: %w", err)
	}

	var targets []api.Assignment
	if all {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			p := stdinPrompter()
			if !p.confirm(fmt.Sprintf("Release all %d assigned runtime(s)?", len(assignments)), false) {
				fmt.Fprintln(os.Stdout, "Aborted")
				return nil
			}
		}
		targets = assignments
	} else {
		for _, a := range assignments {
			if a.Endpoint == args[0] {
				targets = append(targets, a)
				break
			}
		}
		if len(targets) == 0 {
			return fmt.Errorf("no assigned runtime with endpoint %q", args[0])
		}
	}

	for _, a := range targets {
		if err := releaseRuntime(ctx, app, a); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Released %s (%s)\n", a.Endpoint, a.Accelerator)
	}
	return nil
}

// releaseRuntime deletes every kernel behind the runtime's proxy. A pooled
// connection for the endpoint is shut down first so its sweeps stop probing.
func releaseRuntime(ctx context.Context, app *app, a api.Assignment) error {
	if _, ok := app.pool.Get(a.Endpoint); ok {
		if err := app.pool.CloseConnection(ctx, a.Endpoint); err != nil {
			app.logger.Warn("close pooled connection", "endpoint", a.Endpoint, "error", err)
		}
	}

	proxy, err := app.api.RefreshConnection(ctx, a.Endpoint)
	if err != nil {
		return fmt.Errorf("refresh connection for %s: %w", a.Endpoint, err)
	}
	kernels, err := app.api.ListKernels(ctx, proxy.URL, proxy.Token)
	if err != nil {
		return fmt.Errorf("list kernels for %s: %w", a.Endpoint, err)
	}
	for _, k := range kernels {
		if err := app.api.DeleteKernel(ctx, k.ID, proxy.URL, proxy.Token); err != nil {
			return fmt.Errorf("delete kernel %s: %w", k.ID, err)
		}
	}
	return nil
}
