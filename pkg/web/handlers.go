package web

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-cozmonaut/pkg/driver"
	"github.com/teslashibe/go-cozmonaut/pkg/events"
	"github.com/teslashibe/go-cozmonaut/pkg/hub"
)

// statusMessage is what status websocket clients receive.
type statusMessage struct {
	Kind   string          `json:"kind"`
	Event  *events.Event   `json:"event,omitempty"`
	Status *driver.Status  `json:"status,omitempty"`
	Robots []driver.Status `json:"robots,omitempty"`
	Active string          `json:"active,omitempty"`
}

// RobotsResponse lists every robot and which one has the turn.
type RobotsResponse struct {
	Active string          `json:"active,omitempty"`
	Robots []driver.Status `json:"robots"`
}

// CommandRequest is the body of POST /api/robots/:name/commands.
type CommandRequest struct {
	Target  string `json:"target"`
	Payload string `json:"payload"`
}

// CommandResponse acknowledges a queued command, or reports its outcome
// when the request waited for it.
type CommandResponse struct {
	ID      string `json:"id,omitempty"`
	Target  string `json:"target"`
	Done    bool   `json:"done"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Error   string `json:"error,omitempty"`
	Docking string `json:"docking,omitempty"`
}

// NameRequest answers a name prompt.
type NameRequest struct {
	Name string `json:"name"`
}

// FriendResponse is one enrolled friend.
type FriendResponse struct {
	ID        int        `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, driver.ErrUnknownState):
		code = fiber.StatusBadRequest
	case errors.Is(err, driver.ErrNoPrompt):
		code = fiber.StatusNotFound
	}
	if code >= fiber.StatusInternalServerError {
		s.log.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) robot(c *fiber.Ctx) (*driver.Driver, error) {
	name := c.Params("name")
	d, ok := s.opts.Fleet.Driver(name)
	if !ok {
		return nil, fiber.NewError(fiber.StatusNotFound, "unknown robot "+name)
	}
	return d, nil
}

func (s *Server) snapshot() RobotsResponse {
	resp := RobotsResponse{Robots: []driver.Status{}}
	resp.Active, _ = s.opts.Fleet.Active()
	for _, d := range s.opts.Fleet.Drivers() {
		resp.Robots = append(resp.Robots, d.Status())
	}
	return resp
}

func (s *Server) handleRobots(c *fiber.Ctx) error {
	return c.JSON(s.snapshot())
}

func (s *Server) handleRobot(c *fiber.Ctx) error {
	d, err := s.robot(c)
	if err != nil {
		return err
	}
	return c.JSON(d.Status())
}

// handleCommand queues a raw transition. With ?wait=true it answers once
// the command has run.
func (s *Server) handleCommand(c *fiber.Ctx) error {
	d, err := s.robot(c)
	if err != nil {
		return err
	}
	var req CommandRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	target, err := driver.ParseState(req.Target)
	if err != nil {
		return err
	}
	cmd := driver.NewCommand(target, req.Payload)
	s.log.Info("operator command", "robot", d.Name(), "target", target, "payload", req.Payload, "id", cmd.ID)
	return s.respond(c, target, cmd.ID, d.Enqueue(cmd))
}

func (s *Server) handleAdvance(c *fiber.Ctx) error {
	d, err := s.robot(c)
	if err != nil {
		return err
	}
	s.log.Info("operator advance", "robot", d.Name())
	return s.respond(c, driver.Waypoint, uuid.Nil, d.Advance())
}

func (s *Server) handleHome(c *fiber.Ctx) error {
	d, err := s.robot(c)
	if err != nil {
		return err
	}
	s.log.Info("operator return home", "robot", d.Name())
	return s.respond(c, driver.Home, uuid.Nil, d.ReturnHome())
}

func (s *Server) respond(c *fiber.Ctx, target driver.State, id uuid.UUID, ticket driver.Ticket) error {
	resp := CommandResponse{Target: target.String()}
	if id != uuid.Nil {
		resp.ID = id.String()
	}
	if !c.QueryBool("wait") {
		return c.Status(fiber.StatusAccepted).JSON(resp)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), s.opts.WaitTimeout)
	defer cancel()
	out, err := ticket.Wait(ctx)
	if err != nil {
		return fiber.NewError(fiber.StatusGatewayTimeout, err.Error())
	}
	resp.Done = true
	resp.From = out.From.String()
	resp.To = out.To.String()
	if out.Command.ID != uuid.Nil {
		resp.ID = out.Command.ID.String()
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	if out.Docking != nil {
		resp.Docking = out.Docking.Outcome.String()
	}
	status := fiber.StatusOK
	if errors.Is(out.Err, driver.ErrTransitionRejected) || errors.Is(out.Err, driver.ErrNoActivity) {
		status = fiber.StatusConflict
	}
	return c.Status(status).JSON(resp)
}

func (s *Server) handleCancel(c *fiber.Ctx) error {
	d, err := s.robot(c)
	if err != nil {
		return err
	}
	cancelled := d.Cancel()
	s.log.Info("operator cancel", "robot", d.Name(), "cancelled", cancelled)
	return c.JSON(fiber.Map{"cancelled": cancelled})
}

func (s *Server) handleLowBatteryTest(c *fiber.Ctx) error {
	d, err := s.robot(c)
	if err != nil {
		return err
	}
	d.RequestLowBatteryTest()
	s.log.Info("low battery test requested", "robot", d.Name())
	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Server) handleName(c *fiber.Ctx) error {
	d, err := s.robot(c)
	if err != nil {
		return err
	}
	if s.opts.Prompts == nil {
		return fiber.ErrNotImplemented
	}
	var req NameRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	if err := s.opts.Prompts.Submit(d.Name(), req.Name); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handlePrompts(c *fiber.Ctx) error {
	if s.opts.Prompts == nil {
		return c.JSON([]string{})
	}
	return c.JSON(s.opts.Prompts.Waiting())
}

func (s *Server) handleConvos(c *fiber.Ctx) error {
	if s.opts.Convos == nil {
		return fiber.ErrNotImplemented
	}
	names, err := s.opts.Convos.List()
	if err != nil {
		return err
	}
	return c.JSON(names)
}

func (s *Server) handleFriends(c *fiber.Ctx) error {
	if s.opts.Friends == nil {
		return fiber.ErrNotImplemented
	}
	friends, err := s.opts.Friends.List(c.UserContext())
	if err != nil {
		return err
	}
	out := make([]FriendResponse, 0, len(friends))
	for _, f := range friends {
		fr := FriendResponse{ID: f.ID, Name: f.Name, CreatedAt: f.CreatedAt}
		if !f.LastSeen.IsZero() {
			seen := f.LastSeen
			fr.LastSeen = &seen
		}
		out = append(out, fr)
	}
	return c.JSON(out)
}

func (s *Server) handleSwap(c *fiber.Ctx) error {
	swapped := s.opts.Fleet.Swap()
	s.log.Info("operator swap", "swapped", swapped)
	return c.JSON(fiber.Map{"swapped": swapped})
}

// handleStatusWS sends a full snapshot, then every event.
func (s *Server) handleStatusWS(c *websocket.Conn) {
	snap := s.snapshot()
	var initial []hub.Message
	if data, err := json.Marshal(statusMessage{Kind: "snapshot", Robots: snap.Robots, Active: snap.Active}); err == nil {
		initial = append(initial, hub.Message{Data: data})
	}
	hub.NewClient(s.statusHub, c, initial...).Run()
}

func (s *Server) requireCamera(c *fiber.Ctx) error {
	if _, ok := s.cameraHubs[c.Params("name")]; !ok {
		return fiber.NewError(fiber.StatusNotFound, "unknown robot "+c.Params("name"))
	}
	return c.Next()
}

func (s *Server) handleCameraWS(c *websocket.Conn) {
	hub.NewClient(s.cameraHubs[c.Params("name")], c).Run()
}
