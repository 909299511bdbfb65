// Command dflowctl is the operator CLI named in spec.md §6 ("external
// collaborator: list/show") and supplemented from
// original_source/senpuki/cli.py: list executions, show one execution's
// full state, against either backend selected by DSN the same way the
// core selects it (a string containing "://" or "postgres" is the
// networked backend, otherwise a file path for the embedded one).
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yungbote/dflow/internal/engine/backend"
	_ "github.com/yungbote/dflow/internal/engine/backend/postgres"
	_ "github.com/yungbote/dflow/internal/engine/backend/sqlite"
	"github.com/yungbote/dflow/internal/engine/dispatcher"
	"github.com/yungbote/dflow/internal/engine/model"
	"github.com/yungbote/dflow/internal/engine/observe"
	"github.com/yungbote/dflow/internal/engine/registry"
)

const defaultDSNEnv = "DFLOW_DB"

var dsnFlag string

func main() {
	root := &cobra.Command{
		Use:           "dflowctl",
		Short:         "Inspect dflow executions",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&dsnFlag, "db", defaultDSN(), fmt.Sprintf("path to SQLite DB or Postgres DSN (env: %s)", defaultDSNEnv))

	root.AddCommand(listCmd(), showCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultDSN() string {
	if v := strings.TrimSpace(os.Getenv(defaultDSNEnv)); v != "" {
		return v
	}
	return "dflow.db"
}

func listCmd() *cobra.Command {
	var limit int
	var stateFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, closeFn, err := openDispatcher()
			if err != nil {
				return err
			}
			defer closeFn()

			execs, err := d.ListExecutions(cmd.Context(), limit, model.ExecutionState(stateFlag))
			if err != nil {
				return err
			}
			if len(execs) == 0 {
				fmt.Println("No executions found.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tSTARTED AT")
			for _, e := range execs {
				started := "pending"
				if e.StartedAt != nil {
					started = e.StartedAt.Format("2006-01-02T15:04:05Z07:00")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.ID, e.State, started)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of executions to show")
	cmd.Flags().StringVar(&stateFlag, "state", "", "filter by state (pending, running, completed, failed, timed_out, cancelled)")
	return cmd
}

func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one execution's full state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, closeFn, err := openDispatcher()
			if err != nil {
				return err
			}
			defer closeFn()

			view, err := d.StateOf(cmd.Context(), args[0])
			if err != nil {
				fmt.Printf("Execution %s not found.\n", args[0])
				return err
			}
			fmt.Printf("ID: %s\n", view.ID)
			fmt.Printf("State: %s\n", view.State)
			if view.StartedAt != nil {
				fmt.Printf("Started At: %s\n", view.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			if view.CompletedAt != nil {
				fmt.Printf("Completed At: %s\n", view.CompletedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			fmt.Println()
			fmt.Println("Progress:")
			if view.ProgressStr != "" {
				fmt.Println(view.ProgressStr)
			}
			if view.Result != nil {
				if view.Result.IsOk() {
					fmt.Printf("\nResult: %v\n", view.Result.Value())
				} else {
					fmt.Printf("\nError: %s\n", view.Result.ErrorMessage())
				}
			}
			return nil
		},
	}
	return cmd
}

func openDispatcher() (*dispatcher.Dispatcher, func(), error) {
	be, err := backend.Open(dsnFlag, backend.Options{})
	if err != nil {
		return nil, nil, err
	}
	if err := be.Init(context.Background()); err != nil {
		_ = be.Close()
		return nil, nil, err
	}
	d := dispatcher.New(be, registry.New(), observe.Nop{}, nil)
	return d, func() { _ = be.Close() }, nil
}
