package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-cozmonaut/internal/config"
	"github.com/teslashibe/go-cozmonaut/internal/printer"
	"github.com/teslashibe/go-cozmonaut/pkg/robot"
)

func newRobotsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "robots",
		Short: "List robots connected to the bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos, err := robot.Discover(cmd.Context(), g.cfg.Robots.Bridge)
			if err != nil {
				return printer.Error("Robot bridge unreachable", err.Error(), "start the bridge", "set "+config.EnvBridge)
			}
			if len(infos) == 0 {
				printer.Warning("no robots connected to %s", g.cfg.Robots.Bridge)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), formatRobotsTable(infos, g.cfg.Robots.SerialA, g.cfg.Robots.SerialB))
			return nil
		},
	}
}

func formatRobotsTable(infos []robot.Info, serialA, serialB string) string {
	rows := make([][]string, 0, len(infos))
	for _, in := range infos {
		slot := ""
		switch in.Serial {
		case serialA:
			slot = "A"
		case serialB:
			slot = "B"
		}
		rows = append(rows, []string{in.Serial, in.Name, slot})
	}
	return renderTable([]string{"SERIAL", "NAME", "SLOT"}, rows)
}
