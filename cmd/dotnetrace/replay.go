package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3"

	"github.com/dotnetrace/dotnetrace/pkg/dotnetipc"
	"github.com/dotnetrace/dotnetrace/pkg/print"
)

// ReplayCommand prints the events of a recorded capture file.
func ReplayCommand(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	var (
		inF       = fs.String("in", "", "capture file to replay")
		providerF = fs.String("provider", "", "only print events of this provider")
		eventF    = fs.Int64("event", -1, "only print events with this id")
		tidF      = fs.Int64("tid", -1, "only print events of this thread")
		verboseF  = fs.Bool("stacks", false, "print resolved stacks under each event")
	)
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("DOTNETRACE")); err != nil {
		return err
	}
	if *inF == "" {
		return fmt.Errorf("missing -in")
	}

	inFile, err := os.Open(*inF)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer inFile.Close()

	stdout := bufio.NewWriter(os.Stdout)
	defer stdout.Flush()

	filter := print.EventFilter{
		Provider: *providerF,
		EventID:  *eventF,
		ThreadID: *tidF,
		Verbose:  *verboseF,
	}
	return print.Events(dotnetipc.NewReplayStream(inFile), stdout, filter)
}
