package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dotside-studios/tagengine/nfc"
)

// Engine is the tag engine surface the server drives.
type Engine interface {
	Read(ctx context.Context) nfc.OperationResult
	Write(ctx context.Context, payload map[string]any) nfc.OperationResult
	Format(ctx context.Context) nfc.OperationResult
	Lock(ctx context.Context, password string) nfc.OperationResult
	Unlock(ctx context.Context, password string) nfc.OperationResult
	Cancel()
	State() nfc.EngineState
}

var _ Engine = (*nfc.Engine)(nil)

// errInvalidRequest marks request payloads that cannot be passed to the engine.
var errInvalidRequest = errors.New("invalid request")

// TagHandler exposes the engine operations as WebSocket request types.
type TagHandler struct {
	engine Engine
	logger *slog.Logger
}

// NewTagHandler creates a handler for engine.
func NewTagHandler(engine Engine, logger *slog.Logger) *TagHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TagHandler{engine: engine, logger: logger}
}

// Register implements ServerHandler.
func (h *TagHandler) Register(server HandlerServer) error {
	for _, typ := range []string{
		WSMessageTypeRead, WSMessageTypeWrite, WSMessageTypeFormat,
		WSMessageTypeLock, WSMessageTypeUnlock, WSMessageTypeCancel,
	} {
		if err := server.Handle(typ, h.handleRequest); err != nil {
			return err
		}
	}

	// An operation still waiting for a tag would hold the reader past
	// shutdown.
	server.StartLifecycle(func(ctx context.Context) {
		go func() {
			<-ctx.Done()
			h.engine.Cancel()
		}()
	})
	return nil
}

func (h *TagHandler) handleRequest(ctx context.Context, c *Client, req WebsocketRequest) error {
	res, err := h.Dispatch(ctx, req.Type, req.Payload)
	if err != nil {
		if sendErr := c.SendError(req.ID, ErrCodeInvalidRequest, err.Error()); sendErr != nil {
			return sendErr
		}
		return err
	}
	return c.Send(WebsocketResponse{
		ID:      req.ID,
		Type:    req.Type + ResponseSuffix,
		Success: res.Success,
		Payload: res,
		Error:   res.Error,
	})
}

// Dispatch runs the operation named by op with its request payload. The error
// is non-nil only when the payload is malformed; operation failures are
// reported in the result.
func (h *TagHandler) Dispatch(ctx context.Context, op string, payload map[string]any) (nfc.OperationResult, error) {
	switch op {
	case WSMessageTypeRead:
		return h.engine.Read(ctx), nil

	case WSMessageTypeWrite:
		data, ok := payload["data"].(map[string]any)
		if !ok {
			return nfc.OperationResult{}, fmt.Errorf("%w: write needs a data object", errInvalidRequest)
		}
		return h.engine.Write(ctx, data), nil

	case WSMessageTypeFormat:
		return h.engine.Format(ctx), nil

	case WSMessageTypeLock, WSMessageTypeUnlock:
		password, err := passwordField(payload)
		if err != nil {
			return nfc.OperationResult{}, err
		}
		if op == WSMessageTypeLock {
			return h.engine.Lock(ctx, password), nil
		}
		return h.engine.Unlock(ctx, password), nil

	case WSMessageTypeCancel:
		h.engine.Cancel()
		return nfc.OperationResult{Success: true, Data: map[string]any{"state": h.engine.State()}}, nil
	}
	return nfc.OperationResult{}, fmt.Errorf("%w: unknown operation %q", errInvalidRequest, op)
}

// passwordField returns payload.password. A missing password is passed on as
// empty so the engine reports it with its own code.
func passwordField(payload map[string]any) (string, error) {
	v, ok := payload["password"]
	if !ok || v == nil {
		return "", nil
	}
	password, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: password must be a string", errInvalidRequest)
	}
	return password, nil
}
