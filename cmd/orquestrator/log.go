package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"golang.org/x/xerrors"
)

const logHelp = `orquestrator log -pkg=<package> [-phase=<phase>]

Show captured per-phase output. Without -phase, the available phase logs
are listed.

Example:
  % orquestrator log -pkg=zlib -phase=make
`

func showlog(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("log", flag.ExitOnError)
	var (
		pkg       = fset.String("pkg", "", "package name")
		phaseName = fset.String("phase", "", "phase whose log to show (configure, make, install, …)")
	)
	fset.Usage = usage(fset, logHelp)
	fset.Parse(args)
	if *pkg == "" {
		return xerrors.New("syntax: log -pkg=<package> [-phase=<phase>]")
	}

	a, err := newApp()
	if err != nil {
		return err
	}

	if *phaseName == "" {
		entries, err := os.ReadDir(a.layout.LogDir(*pkg))
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Println(e.Name())
		}
		return nil
	}

	f, err := os.Open(a.layout.PhaseLog(*pkg, *phaseName))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(os.Stdout, f)
	return err
}
