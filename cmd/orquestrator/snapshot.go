package main

import (
	"context"
	"flag"
)

const snapshotHelp = `orquestrator snapshot

Regenerate the merged per-phase state snapshots from the individual
package state files.
`

func cmdsnapshot(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("snapshot", flag.ExitOnError)
	fset.Usage = usage(fset, snapshotHelp)
	fset.Parse(args)

	// newApp registers the snapshot regeneration as an end-of-run hook;
	// this verb has nothing further to do.
	_, err := newApp()
	return err
}
