package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Mu-L/locust/internal/common"
	"github.com/Mu-L/locust/internal/configuration"
	"github.com/Mu-L/locust/internal/orchestrator"
)

var rootCmd = &cobra.Command{
	Use:   "locust",
	Short: "Distributed load generation orchestrator",
	Long: `
Distributed load generation orchestrator.

Runs standalone, as a coordinator for remote workers, or as a worker.
With --processes the workload is split across local child processes that
re-execute this binary in worker mode.

Persistent config can be saved in a YAML file and passed with --config,
using the same keys as the command line flags (camel cased, e.g. runTime).
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		common.BindCommandlineArguments(cmd.Flags())
		bindConfigKeys(cmd)

		var config configuration.Configuration
		common.LoadConfig(&config, viper.GetString("config"))
		common.ConfigureLogging(config.LogLevel, config.Logfile)

		return orchestrator.New(&config).Run()
	},
}

// Flag names use dashes; the matching config file keys are camel cased, so
// the dashed flags are bound to their keys one by one.
var flagConfigKeys = map[string]string{
	"expect-workers":          "expectWorkers",
	"expect-workers-max-wait": "expectWorkersMaxWait",
	"run-time":                "runTime",
	"spawn-rate":              "spawnRate",
	"shape-file":              "shapeFile",
	"print-stats":             "printStats",
	"only-summary":            "onlySummary",
	"csv":                     "csvPrefix",
	"csv-full-history":        "csvFullHistory",
	"json-file":               "jsonFile",
	"registry-address":        "registryAddress",
	"exit-code-on-error":      "exitCodeOnError",
	"metrics-port":            "metricsPort",
	"loglevel":                "logLevel",
}

func bindConfigKeys(cmd *cobra.Command) {
	for flagName, key := range flagConfigKeys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			log.Error(err)
			os.Exit(1)
		}
	}
}

func init() {
	flags := rootCmd.Flags()

	flags.Bool("master", false, "Run as the coordinator of a distributed load test")
	flags.Bool("worker", false, "Run as a worker connecting to a coordinator")
	flags.Int("processes", 0, "Split the workload into this many local child processes; -1 means one per CPU, 0 disables splitting")
	flags.Int("expect-workers", 1, "Number of workers the coordinator waits for before starting")
	flags.Duration("expect-workers-max-wait", 0, "Give up waiting for workers after this long; 0 waits forever")

	flags.Bool("headless", false, "Run without the interactive console and start immediately")
	flags.Bool("headful", false, "Force the interactive console even when headless was set in a config file")
	flags.Bool("autostart", false, "Start the run immediately but keep the interactive console")
	flags.Int("autoquit", configuration.AutoquitDisabled, "Quit this many seconds after the run finishes; -1 keeps the process running")
	flags.Duration("run-time", 0, "Stop the run after this long, e.g. 1h30m")
	flags.Int("users", 0, "Peak number of concurrent users")
	flags.Float64("spawn-rate", 0, "Users started per second")
	flags.String("shape-file", "", "YAML file with a staged ramp shape driving user count over time")

	flags.Bool("print-stats", false, "Print a statistics table during the run")
	flags.Bool("only-summary", false, "Suppress periodic statistics, print only the final summary")
	flags.String("csv", "", "Write statistics to CSV files with this prefix")
	flags.Bool("csv-full-history", false, "Append a full statistics history row on every CSV write")
	flags.Bool("json", false, "Print the final statistics as JSON to stdout")
	flags.String("json-file", "", "Write the final statistics as JSON to this file")

	flags.String("registry-address", "", "Redis address of the worker registry, required for distributed runs")
	flags.Int("exit-code-on-error", 1, "Process exit code when the run saw request errors")
	flags.Uint16("metrics-port", 0, "Serve Prometheus metrics and health checks on this port; 0 disables")
	flags.String("loglevel", "info", "Log level: debug, info, warning, error")
	flags.String("logfile", "", "Append logs to this file instead of stdout")
	flags.String("config", "", "Fully qualified path to a configuration file")
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
