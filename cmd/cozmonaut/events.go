package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/teslashibe/go-cozmonaut/internal/printer"
	"github.com/teslashibe/go-cozmonaut/pkg/events"
)

func newEventsCmd(g *globals) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow events published by a running interact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = g.cfg.Events.RedisAddr
			}
			if addr == "" {
				return printer.Error("No event bus configured", "events are published to Redis only when an address is set",
					"pass --redis localhost:6379", "set events.redis_addr in the config file")
			}
			ctx := cmd.Context()
			rd, err := events.NewRedis(ctx, &redis.Options{Addr: addr}, g.cfg.Events.Channel)
			if err != nil {
				return err
			}
			defer rd.Close()
			evs, err := rd.Subscribe(ctx)
			if err != nil {
				return err
			}
			printer.Step("following %s on %s", g.cfg.Events.Channel, addr)
			for ev := range evs {
				writeEvent(cmd.OutOrStdout(), ev)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "redis", "", "Redis address (defaults to events.redis_addr)")
	return cmd
}

var eventColors = map[events.Type]*color.Color{
	events.StateChanged:     color.New(color.FgCyan),
	events.TransitionFailed: color.New(color.FgRed),
	events.DockingResult:    color.New(color.FgBlue),
	events.FaceRecognized:   color.New(color.FgGreen),
	events.FriendAdded:      color.New(color.FgGreen, color.Bold),
	events.BatteryLow:       color.New(color.FgYellow, color.Bold),
}

func writeEvent(w io.Writer, ev events.Event) {
	c, ok := eventColors[ev.Type]
	if !ok {
		c = color.New(color.Reset)
	}
	line := fmt.Sprintf("%s robot %s %s", ev.Time.Format(time.TimeOnly), ev.Robot, c.Sprint(ev.Type))
	if ev.State != "" {
		line += " state=" + ev.State
	}
	if ev.Name != "" {
		line += fmt.Sprintf(" name=%q", ev.Name)
	}
	if ev.FaceID != 0 {
		line += fmt.Sprintf(" face=%d", ev.FaceID)
	}
	if ev.Detail != "" {
		line += " " + ev.Detail
	}
	fmt.Fprintln(w, line)
}
