package peernet

import "sync"

// HandlerFunc handles an RPC request from the given peer and returns a
// response payload.
//
// Returning a *StatusError sends the status to the caller rather than a
// response payload. Any other error closes the stream without a response.
type HandlerFunc func(peer PeerID, req []byte) ([]byte, error)

// Handler is responsible for registering RPC request handlers for RPC
// types.
type Handler struct {
	handlers map[RPCType]HandlerFunc
	mu       sync.Mutex
}

func NewHandler() *Handler {
	return &Handler{
		handlers: make(map[RPCType]HandlerFunc),
	}
}

// Register adds a handler for the given RPC request type.
func (h *Handler) Register(rpcType RPCType, handler HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.handlers[rpcType] = handler
}

// Find looks up the handler for the given RPC type.
func (h *Handler) Find(rpcType RPCType) (HandlerFunc, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	handler, ok := h.handlers[rpcType]
	return handler, ok
}
