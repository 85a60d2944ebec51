package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/fcanata00/orquestrator"
	"github.com/fcanata00/orquestrator/internal/events"

	_ "net/http/pprof"
)

var (
	debug      = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")
	cpuprofile = flag.String("cpuprofile", "", "path to store a CPU profile at")
	memprofile = flag.String("memprofile", "", "path to store a memory profile at")
	ctracefile = flag.String("ctracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
	httpListen = flag.String("listen", "", "host:port to listen on for HTTP (pprof, Prometheus metrics)")
)

func funcmain() error {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			return err
		}
		events.TraceSink(f)
	}

	if *httpListen != "" {
		go http.ListenAndServe(*httpListen, nil)
	}

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"fetch":    {cmdfetch},
		"extract":  {cmdextract},
		"build":    {cmdbuild},
		"install":  {cmdinstall},
		"snapshot": {cmdsnapshot},
		"list":     {cmdlist},
		"env":      {printenv},
		"log":      {showlog},
	}

	args := flag.Args()
	verb := "build"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		if len(args) != 1 {
			fmt.Fprintf(os.Stderr, "orquestrator [-flags] <command> [-flags] <args>\n")
			fmt.Fprintln(os.Stderr)
			fmt.Fprintf(os.Stderr, "To get help on any command, use orquestrator <command> -help or orquestrator help <command>.\n")
			fmt.Fprintln(os.Stderr)
			fmt.Fprintf(os.Stderr, "Pipeline commands:\n")
			fmt.Fprintf(os.Stderr, "\tfetch    - download package sources into the cache\n")
			fmt.Fprintf(os.Stderr, "\textract  - materialize package workspaces\n")
			fmt.Fprintf(os.Stderr, "\tbuild    - build packages through the full pipeline\n")
			fmt.Fprintf(os.Stderr, "\tinstall  - install packaged artifacts into a target root\n")
			fmt.Fprintln(os.Stderr)
			fmt.Fprintf(os.Stderr, "Introspection commands:\n")
			fmt.Fprintf(os.Stderr, "\tlist     - list recipes and their recorded state\n")
			fmt.Fprintf(os.Stderr, "\tlog      - show per-phase captured output\n")
			fmt.Fprintf(os.Stderr, "\tenv      - print the resolved configuration\n")
			fmt.Fprintf(os.Stderr, "\tsnapshot - regenerate merged state snapshots\n")
			os.Exit(2)
		}
		verb = args[0]
		args = []string{"-help"}
	}

	ctx, canc := orquestrator.InterruptibleContext()
	defer canc()
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: orquestrator <command> [options]\n")
		os.Exit(2)
	}
	err := v.fn(ctx, args)
	// End-of-run hooks (merged snapshot regeneration) run whatever the
	// verb's outcome was; a failed run still refreshes the snapshots.
	if aerr := orquestrator.RunAtExit(); err == nil {
		err = aerr
	}
	if err != nil {
		if *memprofile != "" {
			f, err := os.Create(*memprofile)
			if err != nil {
				log.Fatal("could not create memory profile: ", err)
			}
			defer f.Close()
			runtime.GC() // get up-to-date statistics
			if err := pprof.WriteHeapProfile(f); err != nil {
				log.Fatal("could not write memory profile: ", err)
			}
		}
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}

	return nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
