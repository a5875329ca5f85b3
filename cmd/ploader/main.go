// Completion: 100% - Entry point complete
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/xyproto/ploader/internal/fault"
	"github.com/xyproto/ploader/internal/loader"
)

const versionString = "ploader 0.1.0"

func main() {
	var versionShort = flag.Bool("V", false, "print version information and exit")
	var version = flag.Bool("version", false, "print version information and exit")
	var verbose = flag.Bool("v", false, "verbose mode (log loader bootstrap activity)")
	var verboseLong = flag.Bool("verbose", false, "verbose mode (log loader bootstrap activity)")
	flag.Parse()

	if *version || *versionShort {
		fmt.Println(versionString)
		os.Exit(0)
	}

	loader.VerboseMode = *verbose || *verboseLong
	if loader.VerboseMode {
		fmt.Fprintf(os.Stderr, "DEBUG main: VerboseMode enabled\n")
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <executable> [args...]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	path := args[0]
	argv := args
	envp := os.Environ()

	l := loader.New(fault.NewBackend)
	if err := l.Execute(path, argv, envp); err != nil {
		fmt.Fprintf(os.Stderr, "ploader: %v\n", err)
		os.Exit(1)
	}
}
