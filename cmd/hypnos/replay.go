package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/SharmARohitt/Hypnos/pkg/eventlog"
	"github.com/SharmARohitt/Hypnos/pkg/mirror"
	"github.com/SharmARohitt/Hypnos/pkg/reconciler"
)

type replayReport struct {
	Head   uint64                   `json:"head"`
	Stats  reconciler.Stats         `json:"stats"`
	Shards []reconciler.ShardStatus `json:"shards"`
	Digest string                   `json:"mirror_digest"`
}

func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	reset := fs.Bool("reset", false, "Rewind every shard cursor before replaying")
	verify := fs.Bool("verify", true, "Verify the log hash chain first")
	jsonOutput := fs.Bool("json", false, "Output result as JSON")
	cfg, logger, ok := loadConfig(fs, args, stderr)
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

	var report replayReport
	if *verify {
		if report.Head, err = eventlog.VerifyLog(ctx, st.log, cfg.Reconciler.BatchSize); err != nil {
			_, _ = fmt.Fprintf(stderr, "Log verification failed after sequence %d: %v\n", report.Head, err)
			return 1
		}
	}

	rec, err := st.reconciler(cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: reconciler: %v\n", err)
		return 1
	}
	if *reset {
		if err := rec.Reset(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: reset cursors: %v\n", err)
			return 1
		}
	}
	if report.Stats, err = rec.ReplayAll(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Replay failed: %v\n", err)
		return 1
	}
	if report.Shards, err = rec.Status(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: status: %v\n", err)
		return 1
	}
	snap, err := mirror.Take(ctx, st.mirror)
	if err == nil {
		report.Digest, err = snap.Digest()
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: digest: %v\n", err)
		return 1
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "Replayed: %d applied, %d dropped, %d dead-lettered\n",
		report.Stats.Applied, report.Stats.Dropped, report.Stats.DeadLettered)
	for _, s := range report.Shards {
		_, _ = fmt.Fprintf(stdout, "  shard %d: cursor %d / head %d\n", s.Shard, s.Cursor, s.Head)
	}
	_, _ = fmt.Fprintf(stdout, "Digest: %s\n", report.Digest)
	return 0
}
