// Package rpc provides the JSON-RPC 2.0 control interface of fujid and a
// websocket feed of swap stage events.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fuji-money/fujiswap/internal/node"
	"github.com/fuji-money/fujiswap/internal/storage"
	"github.com/fuji-money/fujiswap/internal/swap"
	"github.com/fuji-money/fujiswap/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	node  *node.Node
	log   *logging.Logger
	wsHub *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes.
const (
	NotFound      = -32004
	AttemptActive = -32009
	Validation    = -32010
	Rejected      = -32011
	Transient     = -32012
)

// paramsError marks a handler error caused by malformed params.
type paramsError struct{ err error }

func (e *paramsError) Error() string { return e.err.Error() }
func (e *paramsError) Unwrap() error { return e.err }

// ErrorData is attached to application errors.
type ErrorData struct {
	Check     string `json:"check,omitempty"`
	Retryable bool   `json:"retryable"`
}

// NewServer creates a new JSON-RPC server for n.
func NewServer(n *node.Node) *Server {
	s := &Server{
		node:     n,
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    NewWSHub(),
		handlers: make(map[string]Handler),
	}

	s.registerHandlers()

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_info"] = s.nodeInfo

	// Contract methods
	s.handlers["contracts_list"] = s.contractsList
	s.handlers["contracts_get"] = s.contractsGet
	s.handlers["contracts_propose"] = s.contractsPropose
	s.handlers["activities_list"] = s.activitiesList

	// Lightning attempts
	s.handlers["swap_borrow"] = s.swapBorrow
	s.handlers["swap_topup"] = s.swapTopup
	s.handlers["swap_redeem"] = s.swapRedeem
	s.handlers["swap_status"] = s.swapStatus
	s.handlers["swap_retry"] = s.swapRetry
	s.handlers["swap_reset"] = s.swapReset

	// Wallet funded attempts
	s.handlers["direct_borrow"] = s.directBorrow
	s.handlers["direct_topup"] = s.directTopup
	s.handlers["direct_redeem"] = s.directRedeem

	// Audit
	s.handlers["swap_keys"] = s.swapKeys
	s.handlers["swap_journal"] = s.swapJournal

	// Wallet
	s.handlers["wallet_status"] = s.walletStatus
}

// Handler returns the HTTP handler serving RPC and websocket requests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	return corsMiddleware(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Direct attempts wait for the covenant and the wallet.
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Serve starts the server on addr and stops it when ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	if err := s.Start(addr); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Addr returns the bound listen address, once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code, data := errorCode(err)
		if code == InternalError {
			s.log.Warn("RPC call failed", "method", req.Method, "error", err)
		}
		s.writeError(w, req.ID, code, err.Error(), data)
		return
	}

	s.writeResult(w, req.ID, result)
}

// errorCode maps a handler error onto a JSON-RPC code.
func errorCode(err error) (int, interface{}) {
	var pe *paramsError
	if errors.As(err, &pe) {
		return InvalidParams, nil
	}

	switch {
	case errors.Is(err, storage.ErrPositionNotFound),
		errors.Is(err, storage.ErrSwapKeyNotFound),
		errors.Is(err, node.ErrNoAttempt):
		return NotFound, nil
	case errors.Is(err, swap.ErrAttemptActive):
		return AttemptActive, nil
	}

	var ve *swap.ValidationError
	if errors.As(err, &ve) {
		return Validation, &ErrorData{Check: ve.Check}
	}
	var cr *swap.CounterpartyRejection
	if errors.As(err, &cr) {
		return Rejected, &ErrorData{}
	}
	if swap.Retryable(err) {
		return Transient, &ErrorData{Retryable: true}
	}
	return InternalError, nil
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// decodeParams unmarshals params into v, treating missing params as an
// empty object.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &paramsError{err: fmt.Errorf("invalid params: %w", err)}
	}
	return nil
}

func invalidParams(format string, args ...interface{}) error {
	return &paramsError{err: fmt.Errorf(format, args...)}
}
