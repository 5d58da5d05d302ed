package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cgpu-dev/cgpu/internal/eventbus"
	"github.com/cgpu-dev/cgpu/internal/kernel"
	"github.com/cgpu-dev/cgpu/internal/runtime"
	"github.com/cgpu-dev/cgpu/pkg/protocol"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run [code]",
		Aliases: []string{"exec"},
		Short:   "Execute code on an assigned runtime",
		Long:    "Execute code on an assigned runtime. Code comes from the argument, or from stdin when no argument is given.",
		Args:    cobra.MaximumNArgs(1),
		RunE:    runRun,
	}
	cmd.Flags().Bool("gpu", false, "request a GPU runtime")
	cmd.Flags().Bool("tpu", false, "request a TPU runtime")
	cmd.Flags().Bool("new", false, "force a fresh runtime instead of reusing one")
	cmd.Flags().BoolP("quiet", "q", false, "suppress progress output")
	cmd.Flags().Duration("timeout", 0, "execution timeout (0 uses the configured default)")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	app, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer app.close()

	code, err := readCode(args)
	if err != nil {
		return err
	}

	family, err := familyFromFlags(cmd)
	if err != nil {
		return err
	}
	forceNew, _ := cmd.Flags().GetBool("new")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	quiet, _ := cmd.Flags().GetBool("quiet")
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		quiet = true
	}

	ctx, cancel := signalContext(app.logger)
	defer cancel()

	if !quiet {
		stopProgress := printProgress(app.bus)
		defer stopProgress()
	}

	assigner := runtime.NewAssigner(app.api, app.logger)
	rt, err := assigner.Assign(ctx, runtime.AssignRequest{Family: family, ForceNew: forceNew, Quiet: quiet})
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(os.Stderr, "runtime: %s (%s)\n", rt.Endpoint, rt.Accelerator)
	}

	conn, err := app.pool.GetOrCreate(ctx, *rt)
	if err != nil {
		return err
	}

	result, err := conn.Execute(ctx, code, kernel.ExecuteOptions{Timeout: timeout})
	if err != nil {
		return err
	}

	if result.Stdout != "" {
		fmt.Fprint(os.Stdout, result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprint(os.Stderr, result.Stderr)
	}

	if result.Error != nil {
		for _, line := range result.Error.Traceback {
			fmt.Fprintln(os.Stderr, line)
		}
		return fmt.Errorf("execution failed: %s: %s", result.Error.Name, result.Error.Value)
	}
	if result.Status != protocol.StatusOK {
		return fmt.Errorf("execution finished with status %q", result.Status)
	}
	return nil
}

// readCode takes the code from the argument, or stdin when absent or "-".
func readCode(args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read code from stdin: %w", err)
	}
	code := strings.TrimRight(string(data), "\n")
	if code == "" {
		return "", fmt.Errorf("no code given (pass it as an argument or on stdin)")
	}
	return code, nil
}

// printProgress mirrors connection lifecycle events to stderr until the
// returned stop func runs.
func printProgress(bus *eventbus.Bus) func() {
	events := bus.Subscribe(eventbus.ConnectionReconnecting, eventbus.ConnectionConnected)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			switch ev.Type {
			case eventbus.ConnectionReconnecting:
				fmt.Fprintf(os.Stderr, "reconnecting to %s (attempt %d)...\n", ev.Endpoint, ev.Attempt)
			case eventbus.ConnectionConnected:
				fmt.Fprintf(os.Stderr, "connected to %s\n", ev.Endpoint)
			}
		}
	}()
	return func() {
		bus.Unsubscribe(events)
		<-done
	}
}
