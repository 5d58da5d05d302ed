package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show assigned runtimes and their kernel states",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, cancel := signalContext(app.logger)
	defer cancel()

	stats := app.pool.Stats()
	fmt.Fprintf(os.Stdout, "Tier:     %s (%d concurrent connection(s))\n", stats.Tier, stats.Limit)

	assignments, err := app.api.ListAssignments(ctx)
	if err != nil {
		return fmt.Errorf("list assignments: %w", err)
	}
	if len(assignments) == 0 {
		fmt.Fprintln(os.Stdout, "Runtimes: none assigned")
		return nil
	}

	fmt.Fprintf(os.Stdout, "Runtimes: %d assigned\n", len(assignments))
	for _, a := range assignments {
		fmt.Fprintf(os.Stdout, "\n%s (%s, %s)\n", a.Endpoint, a.Accelerator, a.Family)

		proxy, err := app.api.RefreshConnection(ctx, a.Endpoint)
		if err != nil {
			fmt.Fprintf(os.Stdout, "  kernels: unavailable (%v)\n", err)
			continue
		}
		kernels, err := app.api.ListKernels(ctx, proxy.URL, proxy.Token)
		if err != nil {
			fmt.Fprintf(os.Stdout, "  kernels: unavailable (%v)\n", err)
			continue
		}
		if len(kernels) == 0 {
			fmt.Fprintln(os.Stdout, "  kernels: none")
			continue
		}
		for _, k := range kernels {
			fmt.Fprintf(os.Stdout, "  kernel %s: %s (%d connection(s))\n", k.ID, k.ExecutionState, k.Connections)
		}
	}
	return nil
}
