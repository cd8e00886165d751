package main

import (
	"github.com/spf13/cobra"

	"github.com/teslashibe/go-cozmonaut/internal/config"
	"github.com/teslashibe/go-cozmonaut/internal/log"
	"github.com/teslashibe/go-cozmonaut/pkg/debug"
)

// globals holds the persistent flags and the configuration they produce.
type globals struct {
	configPath    string
	logLevel      string
	debug         bool
	debugTracking bool

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           "cozmonaut",
		Short:         "Run a pair of greeter robots",
		Long:          "cozmonaut drives one or two robots through turns of greeting visitors,\nremembering their names, and returning to their chargers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.load()
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "path to a YAML config file")
	pf.StringVar(&g.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	pf.BoolVar(&g.debug, "debug", false, "enable debug logging")
	pf.BoolVar(&g.debugTracking, "debug-tracking", false, "log every face detection and track update")

	cmd.AddCommand(
		newInteractCmd(g),
		newFriendsCmd(g),
		newRobotsCmd(g),
		newEventsCmd(g),
	)
	cmd.AddGroup(&cobra.Group{ID: "remote", Title: "Operator API Commands:"})
	cmd.AddCommand(newRemoteCmds()...)
	return cmd
}

// load reads the config file, applies the environment and flags, and sets
// up logging.
func (g *globals) load() error {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.debug {
		cfg.LogLevel = "debug"
	}
	log.Init(cfg.LogLevel)
	debug.Enabled = g.debug
	debug.Tracking = g.debugTracking
	g.cfg = cfg
	return nil
}
