package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/aura-tools/poa-monitor/internal/flags"
	"github.com/aura-tools/poa-monitor/monitor/blockfetcher"
)

// Fixed constants of spec.md §6. Only the operator-facing knobs
// (skip-rate, offline-window) are exposed as flags; the rest are fixed so
// that every deployment of this monitor reports on the same cadence.
const (
	stepDuration     = 5 * time.Second
	gracePeriodSteps = 10
	maxReorgDepth    = 1000
	maxBlocksPerTick = 500
)

var (
	RPCURIFlag = &cli.StringFlag{
		Name:     "rpc-uri",
		Usage:    "JSON-RPC endpoint of the upstream Aura node",
		Value:    "http://127.0.0.1:8545",
		Category: flags.RPCCategory,
	}
	ChainSpecPathFlag = &cli.StringFlag{
		Name:     "chain-spec-path",
		Usage:    "path to the chain spec JSON document",
		Required: true,
		Category: flags.ChainSpecCategory,
	}
	ReportDirFlag = &cli.StringFlag{
		Name:     "report-dir",
		Usage:    "directory report files are written to",
		Value:    "./reports",
		Category: flags.ReportCategory,
	}
	DBDirFlag = &cli.StringFlag{
		Name:     "db-dir",
		Usage:    "directory the block store is persisted to; empty for an ephemeral in-memory store",
		Value:    "./auramonitor-db",
		Category: flags.StorageCategory,
	}
	SkipRateFlag = &cli.Float64Flag{
		Name:     "skip-rate",
		Usage:    "fraction of steps in the offline window a validator may miss before being reported offline",
		Value:    0.5,
		Category: flags.MonitoringCategory,
	}
	OfflineWindowFlag = &cli.Uint64Flag{
		Name:     "offline-window",
		Usage:    "offline-detection window, in seconds",
		Value:    24 * 60 * 60,
		Category: flags.MonitoringCategory,
	}
	SyncFromFlag = &cli.StringFlag{
		Name:     "sync-from",
		Usage:    "initial sync point: genesis, latest, a decimal block offset (negative counts back from head), or a YYYY-MM-DD date",
		Value:    "genesis",
		Category: flags.MonitoringCategory,
	}
	VerbosityFlag = &cli.IntFlag{
		Name:     "verbosity",
		Usage:    "log verbosity: 0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value:    3,
		Category: flags.LoggingCategory,
	}
)

var allFlags = []cli.Flag{
	RPCURIFlag,
	ChainSpecPathFlag,
	ReportDirFlag,
	DBDirFlag,
	SkipRateFlag,
	OfflineWindowFlag,
	SyncFromFlag,
	VerbosityFlag,
}

// parseSyncFrom implements the --sync-from grammar of spec.md §6.
func parseSyncFrom(s string) (blockfetcher.InitialBlockResolver, error) {
	switch s {
	case "genesis":
		return blockfetcher.GenesisResolver{}, nil
	case "latest":
		return blockfetcher.LatestResolver{}, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return blockfetcher.ByNumberResolver{Number: n}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return blockfetcher.ByDateResolver{Timestamp: uint64(t.Unix())}, nil
	}
	return nil, fmt.Errorf("invalid --sync-from %q: want genesis, latest, a decimal block number, or YYYY-MM-DD", s)
}
