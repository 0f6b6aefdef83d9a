package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/SharmARohitt/Hypnos/pkg/mirror"
)

func runDeadLetterCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: hypnos deadletter <list|skip|retry> [flags]")
		return 2
	}
	sub := args[0]
	fs := flag.NewFlagSet("deadletter "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)

	switch sub {
	case "list":
		status := fs.String("status", "", "Only letters in this status (pending, retry, skipped)")
		jsonOutput := fs.Bool("json", false, "Output result as JSON")
		cfg, logger, ok := loadConfig(fs, args[1:], stderr)
		if !ok {
			return 2
		}
		ctx := context.Background()
		st, err := openStack(ctx, cfg, logger)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: storage: %v\n", err)
			return 1
		}
		defer func() { _ = st.Close() }()

		letters, err := st.mirror.DeadLetters(ctx, mirror.DeadLetterStatus(*status))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if *jsonOutput {
			data, _ := json.MarshalIndent(letters, "", "  ")
			_, _ = fmt.Fprintln(stdout, string(data))
			return 0
		}
		if len(letters) == 0 {
			_, _ = fmt.Fprintln(stdout, "No dead letters.")
			return 0
		}
		for _, d := range letters {
			_, _ = fmt.Fprintf(stdout, "%6d  shard %d  %-8s %-18s %s\n", d.Sequence, d.Shard, d.Status, d.Kind, d.Error)
		}
		return 0

	case "skip", "retry":
		cfg, logger, ok := loadConfig(fs, args[1:], stderr)
		if !ok {
			return 2
		}
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintf(stderr, "Usage: hypnos deadletter %s [--config file] <sequence>\n", sub)
			return 2
		}
		seq, err := strconv.ParseUint(fs.Arg(0), 10, 64)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: invalid sequence %q\n", fs.Arg(0))
			return 2
		}
		ctx := context.Background()
		st, err := openStack(ctx, cfg, logger)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: storage: %v\n", err)
			return 1
		}
		defer func() { _ = st.Close() }()
		rec, err := st.reconciler(cfg, logger)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: reconciler: %v\n", err)
			return 1
		}
		if sub == "skip" {
			err = rec.Skip(ctx, seq)
		} else {
			err = rec.Retry(ctx, seq)
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "Dead letter %d marked %s.\n", seq, sub)
		return 0

	default:
		_, _ = fmt.Fprintf(stderr, "Unknown deadletter subcommand: %s\n", sub)
		return 2
	}
}
