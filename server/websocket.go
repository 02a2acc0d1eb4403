package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dotside-studios/tagengine/nfc"
)

const writeWait = 5 * time.Second

// WebsocketMessage is a server initiated message.
type WebsocketMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WebsocketRequest is a client request. The ID correlates the response and is
// generated when the client sends none.
type WebsocketRequest struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// WebsocketResponse answers a request.
type WebsocketResponse struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Client is one WebSocket connection. Writes are serialized so handlers may
// respond from their own goroutines.
type Client struct {
	ID   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{ID: uuid.NewString(), conn: conn}
}

// Send writes v as a JSON text frame.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// SendError writes an error response with a machine code.
func (c *Client) SendError(requestID, code, message string) error {
	return c.Send(WebsocketResponse{
		ID:      requestID,
		Type:    WSMessageTypeError,
		Success: false,
		Error:   message,
		Payload: map[string]any{"code": code},
	})
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.conn.Close()
}

// handleWebSocket claims the session for the connecting client and serves its
// requests until it disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token, err := s.sessions.Acquire(r.URL.Query().Get("secret"), r.Header.Get("Origin"), r.RemoteAddr)
	switch err {
	case nil:
	case ErrInvalidSecret:
		s.logger.Warn("websocket rejected", "remote", r.RemoteAddr, "reason", err)
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Unauthorized: invalid API secret")
		return
	default:
		s.logger.Info("websocket rejected", "remote", r.RemoteAddr, "reason", err)
		writeError(w, http.StatusConflict, ErrCodeSessionClaimed, "Session already claimed by another client")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.sessions.Release(token)
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn)
	s.addClient(token, c)
	log := s.logger.With("client", c.ID, "remote", r.RemoteAddr)
	log.Info("websocket connected")

	ctx, cancel := context.WithCancel(s.baseContext())
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		s.removeClient(token)
		s.sessions.Release(token)
		conn.Close()
		log.Info("websocket disconnected")
	}()

	if err := c.Send(WebsocketMessage{
		Type: WSMessageTypeSession,
		Payload: map[string]any{
			"token":        token,
			"engineState":  s.config.Engine.State(),
			"messageTypes": s.registry.MessageTypes(),
		},
	}); err != nil {
		log.Warn("sending session token failed", "error", err)
		return
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.sessions.RefreshTimeout()

		var req WebsocketRequest
		dec := json.NewDecoder(bytes.NewReader(message))
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			log.Debug("unparseable websocket message", "error", err)
			c.SendError("", ErrCodeParse, "Invalid message format")
			continue
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}

		handler, ok := s.registry.Get(req.Type)
		if !ok {
			c.SendError(req.ID, ErrCodeUnknownType, fmt.Sprintf("Unknown message type: %s", req.Type))
			continue
		}

		// Requests run concurrently so a cancel can reach an operation that
		// is still waiting for a tag.
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			if err := handler(ctx, c, req); err != nil {
				log.Warn("websocket handler failed", "type", req.Type, "id", req.ID, "error", err)
			}
		}()
	}
}

func (s *Server) addClient(token string, c *Client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[token] = c
}

func (s *Server) removeClient(token string) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, token)
}

// closeClient drops the connection holding token, used when its session
// times out.
func (s *Server) closeClient(token string) {
	s.clientsMu.RLock()
	c := s.clients[token]
	s.clientsMu.RUnlock()
	if c != nil {
		c.close()
	}
}

func (s *Server) broadcast(msg WebsocketMessage) {
	s.clientsMu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		if err := c.Send(msg); err != nil {
			s.logger.Warn("websocket broadcast failed", "client", c.ID, "error", err)
		}
	}
}

// Report implements nfc.Reporter by pushing a summary of every finished
// operation to the connected client.
func (s *Server) Report(rec nfc.OperationRecord) {
	payload := map[string]any{
		"opId":       rec.ID,
		"type":       rec.Type,
		"success":    rec.Success,
		"durationMs": rec.Duration().Milliseconds(),
		"steps":      len(rec.Steps),
	}
	if rec.Error != nil {
		payload["category"] = rec.Error.Category
	}
	s.broadcast(WebsocketMessage{Type: WSMessageTypeOperation, Payload: payload})
}
