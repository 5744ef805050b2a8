package flags

import "github.com/urfave/cli/v2"

const (
	RPCCategory        = "NODE CONNECTION"
	ChainSpecCategory  = "CHAIN SPEC"
	MonitoringCategory = "MONITORING"
	ReportCategory     = "REPORTING"
	StorageCategory    = "STORAGE"
	LoggingCategory    = "LOGGING AND DEBUGGING"
	MiscCategory       = "MISC"
)

func init() {
	cli.HelpFlag.(*cli.BoolFlag).Category = MiscCategory
	cli.VersionFlag.(*cli.BoolFlag).Category = MiscCategory
}
