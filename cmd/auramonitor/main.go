// Command auramonitor runs the tick loop of monitor/orchestrator against a
// live Aura node: parse the chain spec, open the block store, construct the
// RPC client and resolve the initial sync point, then run until a signal
// arrives. It is grounded on the teacher's cmd/gtos command layout (a
// urfave/cli App with a flag table plus a handful of misccmd.go-style
// subcommands).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/aura-tools/poa-monitor/chainspec"
	"github.com/aura-tools/poa-monitor/log"
	"github.com/aura-tools/poa-monitor/monitor/blockstore"
	"github.com/aura-tools/poa-monitor/monitor/epochfetcher"
	"github.com/aura-tools/poa-monitor/monitor/nodeclient"
	"github.com/aura-tools/poa-monitor/monitor/orchestrator"
	"github.com/aura-tools/poa-monitor/monitor/primaryoracle"
	"github.com/aura-tools/poa-monitor/tosdb"
	"github.com/aura-tools/poa-monitor/tosdb/leveldb"
	"github.com/aura-tools/poa-monitor/tosdb/memorydb"
)

// Version identifiers, set at build time via -ldflags, mirroring the
// teacher's gitCommit/gitDate pair in cmd/gtos.
var (
	gitCommit = ""
	gitDate   = ""
)

const clientIdentifier = "auramonitor"

var app = &cli.App{
	Name:    clientIdentifier,
	Usage:   "monitors an Aura proof-of-authority chain for validator misbehaviour",
	Version: versionString(),
	Flags:   allFlags,
	Action:  run,
	Commands: []*cli.Command{
		versionCommand,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionString() string {
	v := fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
	if gitCommit != "" {
		v = fmt.Sprintf("%s+%s", v, gitCommit)
	}
	return v
}

var versionCommand = &cli.Command{
	Action:    printVersion,
	Name:      "version",
	Usage:     "Print version numbers",
	ArgsUsage: " ",
}

func printVersion(ctx *cli.Context) error {
	fmt.Println(clientIdentifier)
	fmt.Println("Version:", versionString())
	if gitCommit != "" {
		fmt.Println("Git Commit:", gitCommit)
	}
	if gitDate != "" {
		fmt.Println("Git Commit Date:", gitDate)
	}
	fmt.Println("Go Version:", runtime.Version())
	fmt.Println("OS/Arch:", runtime.GOOS+"/"+runtime.GOARCH)
	return nil
}

// run is the default action: wire every component from flags, then drive
// the tick loop until SIGINT/SIGTERM, per spec.md §6's CLI surface.
func run(ctx *cli.Context) error {
	log.SetLevel(log.Lvl(ctx.Int(VerbosityFlag.Name)))

	specBytes, err := os.ReadFile(ctx.String(ChainSpecPathFlag.Name))
	if err != nil {
		return fmt.Errorf("auramonitor: reading chain spec: %w", err)
	}
	spec, err := chainspec.Parse(specBytes)
	if err != nil {
		return fmt.Errorf("auramonitor: %w", err)
	}

	oracle, err := primaryoracle.New(spec.StaticEpochs())
	if err != nil {
		return fmt.Errorf("auramonitor: building primary oracle: %w", err)
	}

	client := nodeclient.New(ctx.String(RPCURIFlag.Name))

	var epochFetcher orchestrator.EpochFetcher
	if ranges := spec.ContractRanges(); len(ranges) > 0 {
		ef := epochfetcher.New(client, ranges)
		oracle.SetMaxHeightFunc(ef.MaxHeight)
		epochFetcher = ef
	}

	db, err := openStore(ctx.String(DBDirFlag.Name))
	if err != nil {
		return fmt.Errorf("auramonitor: opening store: %w", err)
	}
	store := blockstore.New(db)

	resolver, err := parseSyncFrom(ctx.String(SyncFromFlag.Name))
	if err != nil {
		return fmt.Errorf("auramonitor: %w", err)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if head, err := client.HeadNumber(runCtx); err != nil {
		log.Warn("node status check failed, continuing anyway", "err", err)
	} else {
		log.Info("connected to node", "head", head)
	}

	windowSteps := ctx.Uint64(OfflineWindowFlag.Name) / uint64(stepDuration.Seconds())

	o := orchestrator.New(orchestrator.Deps{
		Store:            store,
		Client:           client,
		Resolver:         resolver,
		Oracle:           oracle,
		EpochFetcher:     epochFetcher,
		MaxReorgDepth:    maxReorgDepth,
		GracePeriod:      gracePeriodSteps,
		WindowSize:       windowSteps,
		AllowedSkipRate:  ctx.Float64(SkipRateFlag.Name),
		StepDuration:     stepDuration,
		MaxBlocksPerTick: maxBlocksPerTick,
		ReportDir:        ctx.String(ReportDirFlag.Name),
	})
	if err := o.LoadState(); err != nil {
		return fmt.Errorf("auramonitor: %w", err)
	}

	return o.Run(runCtx)
}

func openStore(dir string) (tosdb.KeyValueStore, error) {
	if dir == "" {
		return memorydb.New(), nil
	}
	return leveldb.New(dir)
}
