package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
	"github.com/SharmARohitt/Hypnos/pkg/eventlog"
	"github.com/SharmARohitt/Hypnos/pkg/executor"
	"github.com/SharmARohitt/Hypnos/pkg/ledger"
	"github.com/SharmARohitt/Hypnos/pkg/mirror"
	"github.com/SharmARohitt/Hypnos/pkg/observability"
	"github.com/SharmARohitt/Hypnos/pkg/reconciler"
	"github.com/SharmARohitt/Hypnos/pkg/revert"
)

var (
	demoGrantee   = contracts.MustAddress("0x00000000000000000000000000000000000a11ce")
	demoRecipient = contracts.MustAddress("0x0000000000000000000000000000000000000b0b")
	demoTarget    = contracts.MustAddress("0x00000000000000000000000000000000007a26e7")
	demoFaulty    = contracts.MustAddress("0x000000000000000000000000000000000000ba5e") // always reverts
	demoToken     = contracts.MustAddress("0x000000000000000000000000000000000070c3e5")
)

// scenarioStep is one line of the demo transcript.
type scenarioStep struct {
	Step   string `json:"step"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
	Denial string `json:"denial,omitempty"`
}

// demoLedger builds a ledger over log with the demo targets registered and
// its custody funded with the demo token.
func demoLedger(log eventlog.Appender) *ledger.Ledger {
	router := executor.NewRouter()
	router.Register(demoTarget, func(context.Context, executor.Call) ([]byte, error) {
		return []byte("ok"), nil
	})
	router.Register(demoFaulty, func(context.Context, executor.Call) ([]byte, error) {
		return nil, executor.Revert(revert.Encode("insufficient allowance"))
	})
	vault := executor.NewVault()
	l := ledger.NewLedger(log, router, vault)
	vault.Mint(demoToken, l.Custody(), 1000)
	return l
}

type scenario struct {
	steps []scenarioStep
	err   error
}

// expect records a step and keeps the first deviation from the expected outcome.
func (s *scenario) expect(step string, err, want error, detail string) {
	s.steps = append(s.steps, scenarioStep{Step: step, OK: err == nil, Detail: detail, Denial: contracts.DenialKind(err)})
	if s.err != nil {
		return
	}
	switch {
	case want == nil && err != nil:
		s.err = fmt.Errorf("%s: %w", step, err)
	case want != nil && !errors.Is(err, want):
		s.err = fmt.Errorf("%s: expected %v, got %v", step, want, err)
	}
}

// runScenario walks a capability through its lifecycle: grant, use within
// and beyond its limits, a reverting target, token spending, revocation.
func runScenario(ctx context.Context, l *ledger.Ledger) ([]scenarioStep, error) {
	s := &scenario{}
	ping := []byte{0xde, 0xad, 0xbe, 0xef}

	native, err := l.Grant(ctx, ledger.GrantRequest{
		Grantee: demoGrantee, Target: demoTarget, Selector: contracts.WildcardSelector, MaxValue: 100,
	})
	s.expect("grant capability, max value 100", err, nil, native.String())

	res, err := l.ExecuteGated(ctx, demoGrantee, native, demoTarget, ping, 50)
	s.expect("execute with value 50", err, nil, res.ExecutionID.String())

	_, err = l.ExecuteGated(ctx, demoGrantee, native, demoTarget, ping, 60)
	s.expect("execute with value 60", err, contracts.ErrValueExceeded, "")

	faulty, err := l.Grant(ctx, ledger.GrantRequest{
		Grantee: demoGrantee, Target: demoFaulty, Selector: contracts.WildcardSelector, MaxValue: 10,
	})
	s.expect("grant capability on a reverting target", err, nil, faulty.String())

	res, err = l.ExecuteGated(ctx, demoGrantee, faulty, demoFaulty, ping, 5)
	detail := "recorded failure: " + res.Reason
	if err == nil && res.Success {
		err = errors.New("reverting target reported success")
	}
	s.expect("execute against the reverting target", err, nil, detail)

	token, err := l.Grant(ctx, ledger.GrantRequest{
		Grantee: demoGrantee, Target: demoToken, Selector: contracts.WildcardSelector,
		TokenAsset: demoToken, MaxTokenAmount: 100,
	})
	s.expect("grant token allowance of 100", err, nil, token.String())

	_, err = l.ExecuteTokenTransfer(ctx, demoGrantee, token, demoToken, demoRecipient, 60)
	s.expect("transfer 60 tokens", err, nil, "")

	_, err = l.ExecuteTokenTransfer(ctx, demoGrantee, token, demoToken, demoRecipient, 50)
	s.expect("transfer 50 more tokens", err, contracts.ErrTokenAmountExceeded, "")

	err = l.Revoke(ctx, demoGrantee, native)
	s.expect("revoke the first capability", err, nil, "")

	_, err = l.ExecuteGated(ctx, demoGrantee, native, demoTarget, ping, 10)
	s.expect("execute after revocation", err, contracts.ErrInactive, "")

	return s.steps, s.err
}

type demoReport struct {
	Steps       []scenarioStep   `json:"steps"`
	Reconciled  reconciler.Stats `json:"reconciled"`
	Permissions int              `json:"permissions"`
	Active      int              `json:"active"`
	Executions  int              `json:"executions"`
	Digest      string           `json:"mirror_digest"`
	Metrics     map[string]int64 `json:"metrics"`
}

func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "Output the transcript as JSON")
	cfg, logger, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 2
	}
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	telemetry, err := observability.NewWithReader(reader)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: telemetry: %v\n", err)
		return 1
	}

	log := eventlog.NewMemoryLog()
	steps, err := runScenario(ctx, demoLedger(log).WithLogger(logger).WithTelemetry(telemetry))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Scenario failed: %v\n", err)
		return 1
	}

	store := mirror.NewMemoryStore()
	rec, err := reconciler.New(log, store, cfg.ReconcilerOptions())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	rec.WithLogger(logger).WithTelemetry(telemetry)
	stats, err := rec.ReplayAll(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Reconcile failed: %v\n", err)
		return 1
	}

	snap, err := mirror.Take(ctx, store)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Snapshot failed: %v\n", err)
		return 1
	}
	digest, err := snap.Digest()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Digest failed: %v\n", err)
		return 1
	}
	metrics, err := observability.CounterTotals(ctx, reader)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Metrics failed: %v\n", err)
		return 1
	}
	report := demoReport{
		Steps:       steps,
		Reconciled:  stats,
		Permissions: len(snap.Permissions),
		Executions:  len(snap.Executions),
		Digest:      digest,
		Metrics:     metrics,
	}
	for _, p := range snap.Permissions {
		if p.Active {
			report.Active++
		}
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	for i, st := range report.Steps {
		mark, color := "ok", ColorGreen
		if !st.OK {
			mark, color = st.Denial, ColorRed
		}
		_, _ = fmt.Fprintf(stdout, "%2d. %-42s %s%s%s %s\n", i+1, st.Step, color, mark, ColorReset, st.Detail)
	}
	_, _ = fmt.Fprintln(stdout, "")
	_, _ = fmt.Fprintf(stdout, "Reconciled: %d applied, %d dropped, %d dead-lettered\n",
		stats.Applied, stats.Dropped, stats.DeadLettered)
	_, _ = fmt.Fprintf(stdout, "Mirror:     %d permissions (%d active), %d executions\n",
		report.Permissions, report.Active, report.Executions)
	_, _ = fmt.Fprintf(stdout, "Telemetry:  %d operations tracked, %d ledger denials\n",
		metrics["hypnos.operations.total"], metrics["hypnos.ledger.denials"])
	_, _ = fmt.Fprintf(stdout, "Digest:     %s\n", digest)
	return 0
}
