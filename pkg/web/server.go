// Package web serves the operator API: robot status, manual commands,
// name prompts and live status and camera feeds over websockets.
package web

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-cozmonaut/pkg/driver"
	"github.com/teslashibe/go-cozmonaut/pkg/events"
	"github.com/teslashibe/go-cozmonaut/pkg/hub"
	"github.com/teslashibe/go-cozmonaut/pkg/identity"
)

// Fleet is the set of robots the server controls.
type Fleet interface {
	Drivers() []*driver.Driver
	Driver(name string) (*driver.Driver, bool)
	Active() (string, bool)
	Swap() bool
}

// ConvoLister names the available conversations.
type ConvoLister interface {
	List() ([]string, error)
}

// FriendLister lists enrolled friends.
type FriendLister interface {
	List(ctx context.Context) ([]identity.Friend, error)
}

// Options configures a Server. Convos, Friends and Prompts are optional;
// their routes answer 501 when unset.
type Options struct {
	Addr    string
	Fleet   Fleet
	Prompts *driver.Prompts
	Convos  ConvoLister
	Friends FriendLister
	Logger  *slog.Logger

	// WaitTimeout bounds how long a command request with ?wait=true
	// blocks.
	WaitTimeout time.Duration
}

// Server is the operator HTTP server. It is also an events.Publisher that
// forwards every event to status websocket clients.
type Server struct {
	app  *fiber.App
	addr string
	opts Options
	log  *slog.Logger

	statusHub  *hub.Hub
	cameraHubs map[string]*hub.Hub
}

var _ events.Publisher = (*Server)(nil)

// NewServer builds the routes. Call Start or Listener to serve.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 5 * time.Minute
	}
	logger := opts.Logger.With("component", "web")
	s := &Server{
		addr:       opts.Addr,
		opts:       opts,
		log:        logger,
		statusHub:  hub.New("status", logger),
		cameraHubs: make(map[string]*hub.Hub),
	}
	for _, d := range opts.Fleet.Drivers() {
		s.cameraHubs[d.Name()] = hub.New("camera-"+d.Name(), logger)
	}

	app := fiber.New(fiber.Config{
		AppName:               "cozmonaut",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/robots", s.handleRobots)
	api.Get("/robots/:name", s.handleRobot)
	api.Post("/robots/:name/commands", s.handleCommand)
	api.Post("/robots/:name/advance", s.handleAdvance)
	api.Post("/robots/:name/home", s.handleHome)
	api.Post("/robots/:name/cancel", s.handleCancel)
	api.Post("/robots/:name/low-battery-test", s.handleLowBatteryTest)
	api.Post("/robots/:name/name", s.handleName)
	api.Get("/prompts", s.handlePrompts)
	api.Get("/convos", s.handleConvos)
	api.Get("/friends", s.handleFriends)
	api.Post("/swap", s.handleSwap)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))
	app.Get("/ws/camera/:name", s.requireCamera, websocket.New(s.handleCameraWS))

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Start serves on the configured address until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("operator api listening", "addr", ln.Addr().String())
	go s.statusHub.Run(ctx)
	for _, h := range s.cameraHubs {
		go h.Run(ctx)
	}

	errc := make(chan error, 1)
	go func() { errc <- s.app.Listener(ln) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			s.log.Warn("shutdown", "error", err)
		}
		return nil
	}
}

// Publish forwards ev to status clients. A state change is followed by a
// fresh status snapshot of the robot.
func (s *Server) Publish(_ context.Context, ev events.Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if err := s.statusHub.BroadcastJSON(statusMessage{Kind: "event", Event: &ev}); err != nil {
		return err
	}
	if ev.Type == events.StateChanged {
		if d, ok := s.opts.Fleet.Driver(ev.Robot); ok {
			st := d.Status()
			return s.statusHub.BroadcastJSON(statusMessage{Kind: "status", Status: &st})
		}
	}
	return nil
}

// SendFrame forwards a JPEG camera frame to the robot's camera clients.
func (s *Server) SendFrame(robot string, jpeg []byte) {
	h, ok := s.cameraHubs[robot]
	if !ok || h.ClientCount() == 0 {
		return
	}
	h.BroadcastBinary(jpeg)
}

// StatusClients returns the number of connected status clients.
func (s *Server) StatusClients() int {
	return s.statusHub.ClientCount()
}
