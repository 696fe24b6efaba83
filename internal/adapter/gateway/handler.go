package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"surfacebroker/internal/adapter/tool"
	"surfacebroker/internal/domain"
)

// sessionHeaders are checked in order when the payload names no session.
var sessionHeaders = []string{SessionHeader, "X-Session-Id"}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	endpoint := "/invoke"
	if r.URL.Path == "/sse" {
		endpoint = "/messages"
	}

	sink := newSSESink(w, flusher, endpoint)
	sess, err := s.transport.Open(r.Context(), sink)
	if err != nil {
		s.logger.Warn("sse session setup failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	select {
	case <-r.Context().Done():
	case <-sink.Done():
	}
	s.transport.Close(sess.ID())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(s.maxBody)

	sess, err := s.transport.Open(r.Context(), &wsSink{conn: conn})
	if err != nil {
		s.logger.Warn("websocket session setup failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.readLoop(r.Context(), sess, conn)
	s.transport.Close(sess.ID())
}

// readLoop dispatches request frames read from conn to the session that
// owns the connection. In-flight invocations are cancelled when the
// connection goes away.
func (s *Server) readLoop(ctx context.Context, sess *Session, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return
		}
		if f.Type != FrameTypeRequest {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.transport.Dispatch(ctx, sess.ID(), f); err != nil {
				s.logger.Debug("websocket dispatch failed", "session_id", sess.ID(), "error", err)
			}
		}()
	}
}

// handleInvoke accepts a ToolInvocation or a JSON-RPC message, runs it on
// the resolved session and answers 202. The result travels on the session;
// with ?sync=true or synchronous invoke enabled it is also the response body.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, domain.ErrLimitReached)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, domain.NewDomainError("Server.Invoke", domain.ErrValidation, "body is not valid JSON"))
		return
	}

	resp, err := s.transport.Dispatch(r.Context(), sessionIDFrom(r, body), Frame{Type: FrameTypeRequest, Payload: body})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if resp.SessionID != "" {
		w.Header().Set(SessionHeader, resp.SessionID)
	}
	if resp.Type == "" || !(s.syncInvoke || r.URL.Query().Get("sync") == "true") {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Payload)
}

// sessionIDFrom resolves the target session: payload sessionId, then the
// session headers, then the sessionId query parameter.
func sessionIDFrom(r *http.Request, body []byte) string {
	var probe struct {
		SessionID string `json:"sessionId"`
	}
	if json.Unmarshal(body, &probe) == nil && probe.SessionID != "" {
		return probe.SessionID
	}
	for _, h := range sessionHeaders {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}
	return r.URL.Query().Get("sessionId")
}

// invoke is the transport's Invoker: JSON-RPC messages go to the MCP
// server, everything else is a surface invocation.
func (s *Server) invoke(ctx context.Context, payload json.RawMessage) (Frame, bool) {
	if tool.IsJSONRPC(payload) {
		if s.deps.RPC == nil {
			return resultFrame(tool.ErrResult("JSON-RPC messages are not accepted")), true
		}
		msg := s.deps.RPC.HandleMessage(ctx, payload)
		if msg == nil {
			return Frame{}, false
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return resultFrame(tool.ErrResult("encode response: %v", err)), true
		}
		return Frame{Type: FrameTypeMessage, Payload: data}, true
	}

	params, err := stripSessionID(payload)
	if err != nil {
		return resultFrame(tool.ErrResult("invalid invocation: %v", err)), true
	}
	res, err := s.deps.Tools.Invoke(ctx, tool.SurfaceToolName, params)
	if err != nil {
		res = tool.ErrResult("%v", err)
	}
	return resultFrame(res), true
}

func resultFrame(res *domain.ToolResult) Frame {
	data, err := json.Marshal(res)
	if err != nil {
		data = []byte(`{"content":"internal error","isError":true}`)
	}
	return Frame{Type: FrameTypeResult, Payload: data}
}

// stripSessionID removes the routing field so the remaining object is
// exactly the invocation.
func stripSessionID(payload json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	if _, ok := fields["sessionId"]; !ok {
		return payload, nil
	}
	delete(fields, "sessionId")
	return json.Marshal(fields)
}

// --- control endpoints ---

type saveDefinitionRequest struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.deps.Store.List(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if defs == nil {
		defs = []domain.DefinitionInfo{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleSaveDefinition(w http.ResponseWriter, r *http.Request) {
	var req saveDefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.NewDomainError("Server.SaveDefinition", domain.ErrValidation, err.Error()))
		return
	}
	info, err := s.deps.Surfaces.SaveDefinition(r.Context(), req.Name, req.Source)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("definition uploaded", "name", req.Name, "size", info.Size)
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleDeleteDefinition(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Surfaces.DeleteDefinition(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSurfaces(w http.ResponseWriter, _ *http.Request) {
	names := s.deps.Surfaces.LiveSurfaces()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleCloseSurface(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	closed, err := s.deps.Surfaces.CloseSurface(r.Context(), name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !closed {
		writeError(w, http.StatusNotFound, domain.NewDomainError("Server.CloseSurface", domain.ErrSurfaceNotFound, name))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrSessionNotActive):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionAmbiguous):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuthFailed):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrPathOutsideSandbox), errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrLimitReached):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
