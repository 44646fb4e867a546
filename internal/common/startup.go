package common

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ConfigureLogging sets up the global logger. Level and output file are taken
// from the already-bound command line flags so this can run before config
// loading without losing early messages.
func ConfigureLogging(level string, logfile string) {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)

	if logfile != "" {
		f, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Errorf("Could not open log file %s: %v", logfile, err)
			os.Exit(1)
		}
		log.SetOutput(f)
	}

	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.Errorf("Invalid log level %q", level)
		os.Exit(1)
	}
	log.SetLevel(parsed)
}

func BindCommandlineArguments(flags *pflag.FlagSet) {
	err := viper.BindPFlags(flags)
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

// LoadConfig unmarshals viper state (flags plus an optional config file) into
// the given config struct.
func LoadConfig(config interface{}, userSpecifiedConfig string) {
	if userSpecifiedConfig != "" {
		viper.SetConfigFile(userSpecifiedConfig)
		if err := viper.ReadInConfig(); err != nil {
			log.Error(err)
			os.Exit(1)
		}
	}
	if err := viper.Unmarshal(config); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
