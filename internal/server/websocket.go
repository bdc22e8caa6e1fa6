// ABOUTME: Websocket endpoint binding browser connections to agent fan-out
// ABOUTME: Sends the connection test and catch-up snapshot, then pumps echoes

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/2389/agent-ledger/internal/realtime"
)

// handleWebsocket upgrades the request and attaches the connection to the
// agent named by the agentId query parameter. The connection immediately
// receives a CONNECTION_TEST probe and, when history exists, a HISTORY_LIST
// snapshot; afterwards it receives live updates and echo replies.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		http.Error(w, "agentId query parameter required", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	conn := realtime.NewWebsocketConn(ws)

	if err := s.sendGreeting(r.Context(), conn, agentID); err != nil {
		s.logger.Debug("greeting failed, dropping connection", "agent_id", agentID, "error", err)
		conn.Close()
		return
	}

	s.connMgr.AddConnection(agentID, conn)
	s.logger.Info("websocket connected", "agent_id", agentID)

	s.readPump(r.Context(), ws, conn, agentID)

	s.connMgr.RemoveConnection(agentID, conn)
	s.logger.Info("websocket disconnected", "agent_id", agentID)
}

// sendGreeting delivers the connection test message and the initial history
// snapshot, in that order.
func (s *Server) sendGreeting(ctx context.Context, conn realtime.Conn, agentID string) error {
	probe, err := json.Marshal(realtime.ConnectionTestMessage())
	if err != nil {
		return err
	}
	if err := conn.Send(probe); err != nil {
		return err
	}

	snapshot, err := s.connMgr.InitialAgentState(ctx, agentID)
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// readPump reads inbound frames until the peer goes away. Every frame is an
// echo request; broadcasts reach the peer through the connection manager,
// never through this loop.
func (s *Server) readPump(ctx context.Context, ws *websocket.Conn, conn realtime.Conn, agentID string) {
	for {
		_, payload, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				s.logger.Debug("websocket read ended", "agent_id", agentID, "error", err)
			}
			return
		}
		s.connMgr.HandleInbound(conn, payload)
	}
}
