package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3"

	"github.com/dotnetrace/dotnetrace/pkg/dotnetipc"
	"github.com/dotnetrace/dotnetrace/pkg/pprof"
)

// PprofCommand converts a capture's allocation events to a pprof profile.
func PprofCommand(args []string) error {
	fs := flag.NewFlagSet("pprof", flag.ContinueOnError)
	var (
		inF   = fs.String("in", "", "capture file to convert")
		outF  = fs.String("out", "alloc.pprof", "profile output file")
		rateF = fs.Int64("rate", 0, "divide byte amounts by this sampling rate")
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

	outFile, err := os.Create(*outF)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer outFile.Close()

	opt := pprof.Options{SampleRate: *rateF}
	if err := pprof.Convert(dotnetipc.NewReplayStream(inFile), outFile, opt); err != nil {
		return fmt.Errorf("failed to convert capture: %w", err)
	}
	return nil
}
