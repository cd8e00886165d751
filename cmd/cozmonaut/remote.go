package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-cozmonaut/internal/httpc"
	"github.com/teslashibe/go-cozmonaut/internal/printer"
	"github.com/teslashibe/go-cozmonaut/pkg/web"
)

const defaultAPI = "http://localhost:8080"

// remote talks to the operator API of a running interact.
type remote struct {
	base   string
	client *http.Client
	out    io.Writer
}

func (r *remote) url(path string) string {
	return strings.TrimRight(r.base, "/") + "/api" + path
}

func (r *remote) robotURL(name, action string) string {
	return r.url("/robots/" + url.PathEscape(name) + "/" + action)
}

func (r *remote) get(ctx context.Context, path string, v any) error {
	return apiError(httpc.GetJSON(ctx, r.client, r.url(path), v))
}

func (r *remote) post(ctx context.Context, u string, body, v any) error {
	data, err := httpc.PostJSON(ctx, r.client, u, body)
	if err != nil {
		return apiError(err)
	}
	if v == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// apiError unwraps the server's {"error": ...} body.
func apiError(err error) error {
	var se *httpc.StatusError
	if !errors.As(err, &se) {
		return err
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(se.Body), &body) == nil && body.Error != "" {
		return fmt.Errorf("%s (http %d)", body.Error, se.StatusCode)
	}
	return err
}

func newRemoteCmds() []*cobra.Command {
	r := &remote{}
	var wait bool

	status := &cobra.Command{
		Use:   "status",
		Short: "Show robot states from a running interact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp web.RobotsResponse
			if err := r.get(cmd.Context(), "/robots", &resp); err != nil {
				return err
			}
			fmt.Fprint(r.out, formatStatusTable(resp))
			return nil
		},
	}

	send := &cobra.Command{
		Use:   "send <robot> <target> [payload]",
		Short: "Queue a raw state transition",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := web.CommandRequest{Target: args[1]}
			if len(args) == 3 {
				req.Payload = args[2]
			}
			return r.command(cmd.Context(), r.robotURL(args[0], "commands"), req, wait)
		},
	}
	send.Flags().BoolVar(&wait, "wait", false, "wait for the command to run")

	action := func(use, short, path string) *cobra.Command {
		var wait bool
		c := &cobra.Command{
			Use:   use + " <robot>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return r.command(cmd.Context(), r.robotURL(args[0], path), struct{}{}, wait)
			},
		}
		c.Flags().BoolVar(&wait, "wait", false, "wait for the command to run")
		return c
	}
	advance := action("advance", "Send a robot out to its waypoint", "advance")
	home := action("home", "Send a robot back to its charger", "home")

	cancel := &cobra.Command{
		Use:   "cancel <robot>",
		Short: "Cancel a robot's running activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Cancelled bool `json:"cancelled"`
			}
			if err := r.post(cmd.Context(), r.robotURL(args[0], "cancel"), struct{}{}, &resp); err != nil {
				return err
			}
			if resp.Cancelled {
				printer.Success("cancelled robot %s", args[0])
			} else {
				printer.Info("robot %s had nothing running", args[0])
			}
			return nil
		},
	}

	battery := &cobra.Command{
		Use:   "battery-test <robot>",
		Short: "Pretend a robot's battery is low",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.post(cmd.Context(), r.robotURL(args[0], "low-battery-test"), struct{}{}, nil); err != nil {
				return err
			}
			printer.Success("low battery test requested for robot %s", args[0])
			return nil
		},
	}

	name := &cobra.Command{
		Use:   "name <robot> <name>",
		Short: "Answer a robot's name prompt",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := web.NameRequest{Name: strings.Join(args[1:], " ")}
			if err := r.post(cmd.Context(), r.robotURL(args[0], "name"), req, nil); err != nil {
				return err
			}
			printer.Success("robot %s will remember %s", args[0], req.Name)
			return nil
		},
	}

	swap := &cobra.Command{
		Use:   "swap",
		Short: "End the active robot's turn early",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Swapped bool `json:"swapped"`
			}
			if err := r.post(cmd.Context(), r.url("/swap"), struct{}{}, &resp); err != nil {
				return err
			}
			if resp.Swapped {
				printer.Success("turn ended; the other robot goes next")
			} else {
				printer.Info("no turn in progress")
			}
			return nil
		},
	}

	cmds := []*cobra.Command{status, send, advance, home, cancel, battery, name, swap}
	for _, c := range cmds {
		c.GroupID = "remote"
		c.Flags().StringVar(&r.base, "api", defaultAPI, "operator API base URL")
		c.PreRun = func(cmd *cobra.Command, _ []string) {
			r.out = cmd.OutOrStdout()
			if r.client == nil {
				r.client = httpc.NewClient(10 * time.Minute)
			}
		}
	}
	return cmds
}

// command posts a transition request and reports what happened.
func (r *remote) command(ctx context.Context, u string, body any, wait bool) error {
	if wait {
		u += "?wait=true"
	}
	var resp web.CommandResponse
	if err := r.post(ctx, u, body, &resp); err != nil {
		return err
	}
	switch {
	case !resp.Done:
		printer.Success("queued %s", resp.Target)
	case resp.Error != "":
		printer.Warning("%s -> %s: %s", resp.From, resp.Target, resp.Error)
	case resp.Docking != "":
		printer.Success("%s -> %s (%s)", resp.From, resp.To, resp.Docking)
	default:
		printer.Success("%s -> %s", resp.From, resp.To)
	}
	return nil
}

func formatStatusTable(resp web.RobotsResponse) string {
	rows := make([][]string, 0, len(resp.Robots))
	for _, st := range resp.Robots {
		name := st.Name
		if st.Name == resp.Active {
			name += " *"
		}
		running := ""
		if st.Active != nil {
			running = st.Active.Target.String()
			if st.Active.Payload != "" {
				running += " " + st.Active.Payload
			}
		}
		battery := fmt.Sprintf("%.2fV", st.BatteryVoltage)
		if st.LowBatteryTest {
			battery += " (test)"
		}
		rows = append(rows, []string{name, st.Serial, st.State.String(), running, fmt.Sprint(len(st.Queued)), battery})
	}
	return renderTable([]string{"ROBOT", "SERIAL", "STATE", "RUNNING", "QUEUED", "BATTERY"}, rows)
}
