package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"warden/internal/app"
	"warden/internal/task/trigger"
)

func newValidateCommand(register registerFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and print the binding table",
		Long: `validate loads the config, initializes every enabled plugin against a
throwaway store and prints the resulting bindings. Nothing is scheduled.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			return validate(cmd.Context(), cmd.OutOrStdout(), cfgPath, register)
		},
	}
}

func validate(ctx context.Context, out io.Writer, cfgPath string, register registerFunc) error {
	a, err := app.New(cfgPath, app.Options{LogWriter: io.Discard})
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer func() { _ = a.Stop(context.Background()) }()

	if err := register(a.Plugins()); err != nil {
		return fmt.Errorf("register plugins: %w", err)
	}
	bindings, loadErr := a.Check(ctx)
	printBindings(out, bindings)

	for _, st := range a.Plugins().Status() {
		for _, w := range st.Warnings {
			_, _ = fmt.Fprintf(out, "warning: %s: %s\n", st.Name, w)
		}
	}
	if loadErr != nil {
		return fmt.Errorf("plugins: %w", loadErr)
	}
	return nil
}

func printBindings(out io.Writer, bindings []trigger.Binding) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ENTRY\tKIND\tTRIGGER\n")
	for _, b := range bindings {
		for _, e := range b.Entries {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", e.ID, e.Spec.Kind, e.Spec)
		}
	}
	_ = w.Flush()

	byKind := trigger.Split(bindings)
	kinds := make([]string, 0, len(byKind))
	for k, entries := range byKind {
		kinds = append(kinds, fmt.Sprintf("%s=%d", k, len(entries)))
	}
	sort.Strings(kinds)
	_, _ = fmt.Fprintf(out, "%d bindings, %s\n", len(bindings), strings.Join(kinds, " "))
}
