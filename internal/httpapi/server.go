// Package httpapi is the thin HTTP/WS adapter named in §6: a gin-gonic/gin router that drains
// the core's event bus over SSE and relays ask_human replies over a websocket, never imported
// by internal/core/* (the core only ever sees the Bus/driver interfaces it defines).
package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

// EventBus is the narrow surface of internal/core/bus.Bus the SSE handler drains.
type EventBus interface {
	Next(timeout time.Duration) (task.Event, bool)
}

// HumanResponder is the narrow surface of internal/core/orchestrator.Orchestrator the ask_human
// websocket handler pushes replies into.
type HumanResponder interface {
	SubmitHumanResponse(id, answer string) bool
}

// Messenger delivers an incoming user message to the running orchestrator loop.
type Messenger interface {
	Send(message string)
}

// PollInterval is how often the SSE handler polls the bus when idle, bounding how long a
// client waits to notice the connection closed underneath it.
const PollInterval = 1 * time.Second

// HeartbeatInterval is the default cadence for synthetic heartbeat events (§9 "Heartbeats"),
// overridable via Server.HeartbeatInterval.
const HeartbeatInterval = 15 * time.Second

// Server wires the core's bus/orchestrator onto HTTP/SSE/WS.
type Server struct {
	Bus               EventBus
	Human             HumanResponder
	Messages          Messenger
	HeartbeatInterval time.Duration
	Logger            *logger.Logger

	upgrader websocket.Upgrader
}

// New constructs a Server. HeartbeatInterval defaults to HeartbeatInterval if zero.
func New(bus EventBus, human HumanResponder, messages Messenger, log *logger.Logger) *Server {
	return &Server{
		Bus:               bus,
		Human:             human,
		Messages:          messages,
		HeartbeatInterval: HeartbeatInterval,
		Logger:            log.WithFields(zap.String("component", "httpapi")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine: GET /health, GET /tasks/:id/events (SSE), POST /messages,
// GET /tasks/:id/ws (ask_human reply channel) — §6 "The HTTP adapter".
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.cors)

	r.GET("/health", s.handleHealth)
	r.GET("/tasks/:id/events", s.handleEvents)
	r.POST("/messages", s.handleMessage)
	r.GET("/tasks/:id/ws", s.handleWS)
	return r
}

func (s *Server) cors(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusNoContent)
		return
	}
	c.Next()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "kandev"})
}

// handleMessage accepts one free-form user message and forwards it into the orchestrator's
// Run loop (§4.5 "processes one message per iteration").
func (s *Server) handleMessage(c *gin.Context) {
	var body struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	s.Messages.Send(body.Message)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// handleEvents drains the bus with Next(timeout) in a loop, writing each event as
// `data: {"step": "<action>", "data": <event>}\n\n` (§6 "SSE wire format"), with a synthetic
// heartbeat on the configured cadence so an idle connection is never mistaken for dead by an
// intermediate proxy.
func (s *Server) handleEvents(c *gin.Context) {
	taskID := c.Param("id")
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}

	lastBeat := time.Now()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		default:
		}

		evt, ok := s.Bus.Next(PollInterval)
		if !ok {
			if time.Since(lastBeat) >= s.HeartbeatInterval {
				s.writeEvent(c.Writer, task.Event{Action: task.ActionHeartbeat, TaskID: taskID, Timestamp: time.Now().UTC()})
				flusher.Flush()
				lastBeat = time.Now()
			}
			continue
		}

		s.writeEvent(c.Writer, evt)
		flusher.Flush()
		if evt.Action == task.ActionEnd {
			return
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, evt task.Event) {
	payload, err := encodeEvent(evt)
	if err != nil {
		s.Logger.Warn("failed to encode event", zap.Error(err), zap.String("action", string(evt.Action)))
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// handleWS is the ask_human reply channel (§6): the client sends {"id": "...", "answer":
// "..."}; the orchestrator's ask_human tool call blocking on that id unblocks with the reply.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	for {
		var msg struct {
			ID     string `json:"id"`
			Answer string `json:"answer"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.ID == "" {
			continue
		}
		s.Human.SubmitHumanResponse(msg.ID, msg.Answer)
	}
}
