package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-cozmonaut/internal/config"
	"github.com/teslashibe/go-cozmonaut/internal/log"
	"github.com/teslashibe/go-cozmonaut/internal/printer"
	"github.com/teslashibe/go-cozmonaut/pkg/convo"
	"github.com/teslashibe/go-cozmonaut/pkg/docking"
	"github.com/teslashibe/go-cozmonaut/pkg/driver"
	"github.com/teslashibe/go-cozmonaut/pkg/events"
	"github.com/teslashibe/go-cozmonaut/pkg/face"
	"github.com/teslashibe/go-cozmonaut/pkg/governor"
	"github.com/teslashibe/go-cozmonaut/pkg/identity"
	"github.com/teslashibe/go-cozmonaut/pkg/robot"
	"github.com/teslashibe/go-cozmonaut/pkg/web"
)

// trackerSearch is the correlation search margin around the last box.
const trackerSearch = 0.5

func newInteractCmd(g *globals) *cobra.Command {
	var (
		mode    string
		serialA string
		serialB string
		bridge  string
		manual  bool
		noWeb   bool
		addr    string
	)
	cmd := &cobra.Command{
		Use:   "interact",
		Short: "Run the robots until interrupted",
		Long: "Connect to the robots, load known friends and take turns greeting\n" +
			"visitors. Ctrl-C sends the active robot home before exiting.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := g.cfg
			flags := cmd.Flags()
			if flags.Changed("mode") {
				cfg.Robots.Mode = mode
			}
			if flags.Changed("serial-a") {
				cfg.Robots.SerialA = serialA
			}
			if flags.Changed("serial-b") {
				cfg.Robots.SerialB = serialB
			}
			if flags.Changed("bridge") {
				cfg.Robots.Bridge = bridge
			}
			if flags.Changed("manual") {
				cfg.Governor.Manual = manual
			}
			if noWeb {
				cfg.Web.Enabled = false
			}
			if flags.Changed("addr") {
				cfg.Web.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return printer.Error("Invalid configuration", err.Error(),
					"fix the config file", "set "+config.EnvSerialA+" and "+config.EnvSerialB)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runInteract(ctx, cfg, cmd.InOrStdin())
		},
	}

	f := cmd.Flags()
	f.StringVar(&mode, "mode", "", "interaction mode (both|just_a|just_b)")
	f.StringVar(&serialA, "serial-a", "", "serial number of robot A")
	f.StringVar(&serialB, "serial-b", "", "serial number of robot B")
	f.StringVar(&bridge, "bridge", "", "robot bridge base URL")
	f.BoolVar(&manual, "manual", false, "take no turns; move robots only on operator commands")
	f.BoolVar(&noWeb, "no-web", false, "disable the operator API")
	f.StringVar(&addr, "addr", "", "operator API listen address")
	return cmd
}

func runInteract(ctx context.Context, cfg *config.Config, stdin io.Reader) error {
	logger := log.L()

	mode, err := governor.ParseMode(cfg.Robots.Mode)
	if err != nil {
		return err
	}
	printer.Step("discovering robots at %s", cfg.Robots.Bridge)
	infos, err := robot.Discover(ctx, cfg.Robots.Bridge)
	if err != nil {
		return printer.Error("Robot bridge unreachable", err.Error(), "start the bridge", "set "+config.EnvBridge)
	}
	serials := make([]string, 0, len(infos))
	for _, in := range infos {
		serials = append(serials, in.Serial)
	}
	slots, err := governor.Assign(mode, cfg.Robots.SerialA, cfg.Robots.SerialB, serials)
	if err != nil {
		return printer.Error("Robot missing", err.Error(),
			"connected robots: "+strings.Join(serials, ", "),
			"run with --mode just_a or --mode just_b")
	}

	store, err := identity.Open(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	records, err := store.LoadAll(ctx)
	if err != nil {
		return err
	}
	ids := face.NewIdentities()
	for _, r := range records {
		ids.Add(r.FaceID, r.Embedding)
	}
	printer.Success("loaded %d friends from %s", len(records), cfg.Store.Path)

	bus := &events.Bus{}
	if cfg.Events.RedisAddr != "" {
		rd, err := events.NewRedis(ctx, &redis.Options{Addr: cfg.Events.RedisAddr}, cfg.Events.Channel)
		if err != nil {
			logger.Warn("event bus unavailable", "addr", cfg.Events.RedisAddr, "error", err)
		} else {
			defer rd.Close()
			bus.Attach(rd)
		}
	}

	prompts := driver.NewPrompts(func(name string) {
		printer.Prompt("Robot %s met someone new. Type their name (\"%s <name>\"): ", name, name)
	})
	library := convo.NewLibrary(cfg.Convo.Dir)

	var crew []*member
	defer func() {
		for _, m := range crew {
			m.Close()
		}
	}()
	var cast convo.Cast
	for _, slot := range []string{"A", "B"} {
		serial, ok := slots[slot]
		if !ok {
			continue
		}
		printer.Step("connecting robot %s (%s)", slot, serial)
		m, err := connect(ctx, cfg, slot, serial, ids, logger)
		if err != nil {
			return err
		}
		crew = append(crew, m)
		if slot == "A" {
			cast.A = m.bridge
		} else {
			cast.B = m.bridge
		}
	}

	drivers := make([]*driver.Driver, 0, len(crew))
	for _, m := range crew {
		drivers = append(drivers, newDriver(cfg, m, activityDeps{
			store:   store,
			ids:     ids,
			prompts: prompts,
			bus:     bus,
			library: library,
			cast:    cast,
		}, logger))
	}

	gcfg, err := governor.FromConfig(cfg.Governor)
	if err != nil {
		return err
	}
	gov, err := governor.New(gcfg, drivers, library, bus, logger)
	if err != nil {
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)
	if cfg.Web.Enabled {
		srv := web.NewServer(web.Options{
			Addr:    cfg.Web.Addr,
			Fleet:   gov,
			Prompts: prompts,
			Convos:  library,
			Friends: store,
			Logger:  logger,
		})
		bus.Attach(srv)
		for _, m := range crew {
			slot := m.slot
			m.unsub = append(m.unsub, m.bridge.SubscribeFrames(func(f robot.Frame) {
				srv.SendFrame(slot, f.Data)
			}))
		}
		grp.Go(func() error { return srv.Start(gctx) })
		printer.Success("operator api on %s", cfg.Web.Addr)
	}
	go readNames(stdin, prompts, logger)

	grp.Go(func() error { return gov.Run(gctx) })
	printer.Success("running %d robot(s) in %s mode; Ctrl-C sends them home", len(drivers), mode)
	if err := grp.Wait(); err != nil {
		return err
	}
	printer.Success("all robots stopped")
	return nil
}

// member is one connected robot and its perception stack.
type member struct {
	slot     string
	bridge   *robot.Bridge
	detector *face.YuNetDetector
	embedder *face.SFaceEmbedder
	pipeline *face.Pipeline
	unsub    []func()
}

func connect(ctx context.Context, cfg *config.Config, slot, serial string, ids *face.Identities, logger *slog.Logger) (*member, error) {
	rlog := logger.With("robot", slot)
	b, err := robot.Dial(ctx, cfg.Robots.Bridge, serial, cfg.Robots.ActionTimeout, rlog)
	if err != nil {
		return nil, fmt.Errorf("robot %s: %w", slot, err)
	}
	m := &member{slot: slot, bridge: b}

	m.detector, err = face.NewYuNet(face.DefaultYuNetConfig(cfg.Face.DetectorModel))
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("robot %s: %w", slot, err)
	}
	m.embedder, err = face.NewSFace(cfg.Face.RecognizerModel, m.detector, cfg.Face.RecognitionWorkers)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("robot %s: %w", slot, err)
	}
	m.pipeline = face.NewPipeline(faceConfig(cfg.Face), m.detector, face.NewCorrelationTracker(trackerSearch), m.embedder, ids, rlog)
	m.unsub = append(m.unsub, b.SubscribeFrames(func(f robot.Frame) {
		m.pipeline.Update(face.Frame{Data: f.Data, Width: f.Width, Height: f.Height, Seq: f.Seq, Timestamp: f.Timestamp})
	}))
	return m, nil
}

// Close releases the robot in reverse order of acquisition.
func (m *member) Close() {
	for _, unsub := range m.unsub {
		unsub()
	}
	if m.pipeline != nil {
		m.pipeline.Close()
	}
	if m.embedder != nil {
		m.embedder.Close()
	}
	if m.detector != nil {
		m.detector.Close()
	}
	m.bridge.Close()
}

type activityDeps struct {
	store   *identity.Store
	ids     *face.Identities
	prompts *driver.Prompts
	bus     events.Publisher
	library *convo.Library
	cast    convo.Cast
}

func newDriver(cfg *config.Config, m *member, deps activityDeps, logger *slog.Logger) *driver.Driver {
	rlog := logger.With("robot", m.slot)
	return driver.New(driver.Options{
		Name:   m.slot,
		Robot:  m.bridge,
		Docker: docking.New(m.bridge, dockingConfig(cfg.Docking), rlog),
		Activities: map[driver.State]driver.Activity{
			driver.Greet: &driver.Greeter{
				Name:      m.slot,
				Robot:     m.bridge,
				Faces:     m.pipeline,
				Friends:   deps.store,
				Enroll:    deps.ids,
				Prompter:  deps.prompts,
				Publisher: deps.bus,
				Logger:    rlog.With("activity", "greet"),
			},
			driver.Convo: &driver.Conversation{
				Robot:   m.bridge,
				Library: deps.library,
				Cast:    deps.cast,
				Logger:  rlog.With("activity", "convo"),
			},
			driver.Pong: &driver.PongActivity{
				Robot:  m.bridge,
				Logger: rlog.With("activity", "pong"),
			},
			driver.Freeplay: &driver.FreeplayActivity{
				Robot:  m.bridge,
				Logger: rlog.With("activity", "freeplay"),
			},
		},
		Publisher: deps.bus,
		Logger:    logger,
	})
}

func faceConfig(fc config.FaceConfig) face.Config {
	c := face.DefaultConfig()
	c.QualityThreshold = fc.QualityThreshold
	c.DetectInterval = fc.DetectInterval
	c.TrackPadding = fc.TrackPadding
	c.RecognitionWorkers = fc.RecognitionWorkers
	c.MatchThreshold = fc.MatchThreshold
	return c
}

func dockingConfig(dc config.DockingConfig) docking.Config {
	c := docking.DefaultConfig()
	c.FineRetries = dc.FineRetries
	c.MaxFindAttempts = dc.MaxFindAttempts
	if dc.StrikeTimeout > 0 {
		c.StrikeTimeout = dc.StrikeTimeout
	}
	if dc.FlattenTimeout > 0 {
		c.FlattenTimeout = dc.FlattenTimeout
	}
	return c
}
