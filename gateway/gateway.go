package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"peerchat/engine"
	"peerchat/media"
	"peerchat/models"
	"peerchat/store"
)

// Options configures the gateway server.
type Options struct {
	Engine *engine.Engine
	// MediaDir is the local uploader's base directory. Empty disables
	// the /media static route.
	MediaDir string
}

// Server exposes the chat engine over a local HTTP and WebSocket surface.
type Server struct {
	app    *fiber.App
	engine *engine.Engine
	hub    *Hub
}

// New builds the fiber app and its routes.
func New(options Options) (*Server, error) {
	if options.Engine == nil {
		return nil, errors.New("engine is required")
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "peerchat",
	})
	app.Use(cors.New())

	s := &Server{
		app:    app,
		engine: options.Engine,
		hub:    NewHub(),
	}

	api := app.Group("/api")
	api.Get("/state", s.handleState)

	chat := api.Group("/chat")
	chat.Post("/select", s.handleSelect)
	chat.Post("/message", s.handleMessage)
	chat.Post("/media", s.handleMedia)
	chat.Post("/typing", s.handleTyping)
	chat.Post("/reset", s.handleReset)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(s.handleSocket))

	if options.MediaDir != "" {
		app.Static("/media", options.MediaDir)
	}

	return s, nil
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on the given address until Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown disconnects clients and stops the listener.
func (s *Server) Shutdown() error {
	s.hub.Close()
	return s.app.Shutdown()
}

// PushState broadcasts the current engine state to every connected
// client. Wire it to the engine's OnChange hook.
func (s *Server) PushState() {
	data, err := json.Marshal(envelope{Type: "state", State: snapshotState(s.engine)})
	if err != nil {
		log.Printf("gateway: marshal state: %v", err)
		return
	}
	s.hub.Broadcast(data)
}

type envelope struct {
	Type  string `json:"type"`
	State State  `json:"state"`
}

func (s *Server) handleState(c *fiber.Ctx) error {
	return c.JSON(snapshotState(s.engine))
}

type selectRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleSelect(c *fiber.Ctx) error {
	var req selectRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" {
		return errorJSON(c, fiber.StatusBadRequest, "user_id is required")
	}

	user, ok := s.lookupUser(req.UserID)
	if !ok {
		return errorJSON(c, fiber.StatusNotFound, fmt.Sprintf("unknown user %q", req.UserID))
	}

	conv, err := s.engine.SelectUserForChat(c.Context(), user)
	if err != nil {
		return s.mapEngineError(c, err)
	}
	return c.JSON(conv)
}

func (s *Server) lookupUser(id string) (models.User, bool) {
	for _, user := range s.engine.Users() {
		if user.ID == id {
			return user, true
		}
	}
	return models.User{}, false
}

type messageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleMessage(c *fiber.Ctx) error {
	var req messageRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return errorJSON(c, fiber.StatusBadRequest, "content is required")
	}

	msg, err := s.engine.SendMessage(c.Context(), req.Content)
	if err != nil {
		return s.mapEngineError(c, err)
	}
	return c.JSON(msg)
}

func (s *Server) handleMedia(c *fiber.Ctx) error {
	mediaType := c.FormValue("type")
	if err := models.ValidateMessageType(mediaType); err != nil || mediaType == models.MessageTypeText {
		return errorJSON(c, fiber.StatusBadRequest, "type must be image, video, or audio")
	}

	header, err := c.FormFile("file")
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "file is required")
	}
	file, err := header.Open()
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "unreadable file")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "unreadable file")
	}

	msg, err := s.engine.SendMediaMessage(c.Context(), media.UploadRequest{
		Filename: header.Filename,
		Data:     data,
		Kind:     mediaType,
	}, mediaType)
	if err != nil {
		return s.mapEngineError(c, err)
	}
	return c.JSON(msg)
}

type typingRequest struct {
	Typing bool `json:"typing"`
}

func (s *Server) handleTyping(c *fiber.Ctx) error {
	var req typingRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid request body")
	}
	s.engine.SetTyping(req.Typing)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleReset(c *fiber.Ctx) error {
	s.engine.ResetChatWindow()
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleSocket(conn *websocket.Conn) {
	c := s.hub.add(conn)
	if c == nil {
		// Hub already shut down; drop the connection.
		return
	}
	defer s.hub.remove(c)

	// Seed the client so it renders without waiting for a change.
	if data, err := json.Marshal(envelope{Type: "state", State: snapshotState(s.engine)}); err == nil {
		select {
		case c.send <- data:
		default:
		}
	}

	// Inbound frames are ignored; the socket exists to push state. The
	// read loop only notices disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) mapEngineError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, engine.ErrNoIdentity):
		return errorJSON(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrNoSelection):
		return errorJSON(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, media.ErrRejected):
		return errorJSON(c, fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return errorJSON(c, fiber.StatusNotFound, err.Error())
	default:
		return errorJSON(c, fiber.StatusInternalServerError, err.Error())
	}
}

func errorJSON(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}
