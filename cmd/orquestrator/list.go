package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
)

const listHelp = `orquestrator list [-flags]

List registered recipes and their recorded build state.
`

func cmdlist(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("list", flag.ExitOnError)
	var (
		status = fset.Bool("status", false, "include recorded state per package")
	)
	fset.Usage = usage(fset, listHelp)
	fset.Parse(args)

	a, err := newApp()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	defer w.Flush()
	for _, r := range a.recipes.All() {
		if !*status {
			fmt.Fprintf(w, "%s\t%s\n", r.Name, r.Version)
			continue
		}
		st, err := a.states.Read("build", r.Name)
		if err != nil {
			return err
		}
		switch {
		case st == nil:
			fmt.Fprintf(w, "%s\t%s\t-\t\n", r.Name, r.Version)
		case st.Reason != "":
			fmt.Fprintf(w, "%s\t%s\t%s\t%s (%s)\n", r.Name, r.Version, st.Status, st.Phase, st.Reason)
		default:
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Name, r.Version, st.Status, st.Phase)
		}
	}
	return nil
}
