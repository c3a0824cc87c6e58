package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v3"
	"github.com/rs/zerolog"

	"github.com/dotnetrace/dotnetrace/pkg/dotnetipc"
	"github.com/dotnetrace/dotnetrace/pkg/nettrace"
	"github.com/dotnetrace/dotnetrace/pkg/print"
)

// ListenCommand attaches to a running .NET process, starts an EventPipe
// session, and prints decoded events until interrupted. SIGINT/SIGTERM stop
// the session: the decoder is told to stop at its next object boundary and
// the stop command goes out on a second IPC connection. Objects the runtime
// flushes after that boundary are not decoded.
func ListenCommand(log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	var (
		pidF      = fs.Int("pid", 0, "pid of the .NET process to attach to")
		keywordsF = fs.String("keywords", "gc,exception,contention", "comma separated event categories")
		levelF    = fs.Int("level", dotnetipc.LevelVerbose, "verbosity level 1 (critical) to 5 (verbose)")
		bufferF   = fs.Int("buffer", 256, "runtime circular buffer size in MB")
		recordF   = fs.String("record", "", "tee the raw stream into this capture file")
		verboseF  = fs.Bool("stacks", false, "print resolved stacks under each event")
	)
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("DOTNETRACE")); err != nil {
		return err
	}
	if *pidF == 0 {
		return fmt.Errorf("missing -pid")
	}
	keywords, err := parseKeywords(*keywordsF)
	if err != nil {
		return err
	}

	client := dotnetipc.NewClient(*pidF, dotnetipc.WithLogger(log))
	ts, err := client.CollectTracing(dotnetipc.CollectConfig{
		CircularBufferMB: uint32(*bufferF),
		Format:           dotnetipc.FormatNetTrace,
		Providers: []dotnetipc.Provider{{
			Name:     nettrace.RuntimeProvider,
			Keywords: keywords,
			Level:    uint32(*levelF),
		}},
	})
	if err != nil {
		return err
	}
	defer ts.Stream.Close()

	var stream io.Reader = ts.Stream
	if *recordF != "" {
		file, err := os.Create(*recordF)
		if err != nil {
			return fmt.Errorf("failed to open capture file: %w", err)
		}
		defer file.Close()
		stream = dotnetipc.NewRecordingStream(ts.Stream, file)
	}

	session := nettrace.NewSession(stream, nettrace.WithLogger(log))

	// The stop command must travel on its own connection: the stream
	// connection keeps carrying inbound event bytes until the runtime
	// flushes and closes it.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		log.Info().Msg("stopping session")
		session.Stop()
		if err := client.StopTracing(ts.ID); err != nil {
			log.Error().Err(err).Msg("stop command failed")
		}
	}()

	stdout := bufio.NewWriter(os.Stdout)
	defer stdout.Flush()

	filter := print.DefaultEventFilter()
	filter.Verbose = *verboseF
	err = session.Listen(print.NewPrinter(session, stdout, filter))
	if errors.Is(err, nettrace.ErrStopped) {
		return nil
	}
	return err
}

// parseKeywords maps category names to the runtime provider's keyword bits.
func parseKeywords(s string) (uint64, error) {
	var keywords uint64
	for _, name := range strings.Split(s, ",") {
		switch strings.TrimSpace(name) {
		case "gc":
			keywords |= dotnetipc.KeywordGC
		case "contention":
			keywords |= dotnetipc.KeywordContention
		case "exception":
			keywords |= dotnetipc.KeywordException
		case "":
		default:
			return 0, fmt.Errorf("unknown keyword: %s", name)
		}
	}
	if keywords == 0 {
		return 0, fmt.Errorf("no keywords selected")
	}
	return keywords, nil
}
