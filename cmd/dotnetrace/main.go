package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/peterbourgon/ff/v3"
	"github.com/rs/zerolog"
)

// main is the entry point for the dotnetrace command line tool.
func main() {
	if err := realMain(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// realMain is a helper function for main that returns an error.
func realMain() error {
	fs := flag.NewFlagSet("dotnetrace", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: dotnetrace [flags] <command> [command flags]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  - listen:  Attach to a running .NET process and print its events.\n")
		fmt.Fprintf(os.Stderr, "  - replay:  Print the events of a recorded capture file.\n")
		fmt.Fprintf(os.Stderr, "  - summary: Show per-event totals for a capture file.\n")
		fmt.Fprintf(os.Stderr, "  - pprof:   Convert a capture's allocation events to a pprof profile.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	var (
		verboseF    = fs.Bool("verbose", false, "enable debug logging")
		cpuProfileF = fs.String("cpuprofile", "", "write cpu profile to file")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("DOTNETRACE")); err != nil {
		return err
	}

	if *cpuProfileF != "" {
		file, err := os.Create(*cpuProfileF)
		if err != nil {
			return err
		}
		defer file.Close()

		if err := pprof.StartCPUProfile(file); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().
		Level(zerolog.InfoLevel)
	if *verboseF {
		logger = logger.Level(zerolog.DebugLevel)
	}

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		return fmt.Errorf("missing command")
	}

	switch cmd := args[0]; cmd {
	case "listen":
		return ListenCommand(logger, args[1:])
	case "replay":
		return ReplayCommand(args[1:])
	case "summary":
		return SummaryCommand(args[1:])
	case "pprof":
		return PprofCommand(args[1:])
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}
