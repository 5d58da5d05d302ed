package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the account's assigned runtimes",
		RunE:  runList,
	}
}

func runList(cmd *cobra.Command, args []string) error {
	app, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, cancel := signalContext(app.logger)
	defer cancel()

	assignments, err := app.api.ListAssignments(ctx)
	if err != nil {
		return fmt.Errorf("list assignments: %w", err)
	}
	if len(assignments) == 0 {
		fmt.Fprintln(os.Stdout, "No runtimes assigned")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tACCELERATOR\tFAMILY\tLABEL")
	for _, a := range assignments {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Endpoint, a.Accelerator, a.Family, a.Label)
	}
	return w.Flush()
}
