package app

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"brokerdesk/api/internal/session"
)

const (
	registerTimeout = 10 * time.Second
	wsWriteTimeout  = 5 * time.Second
)

// clientFrame is any message a device sends over its sync connection.
type clientFrame struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId,omitempty"`
	Token    string `json:"token,omitempty"`
}

type serverFrame struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId,omitempty"`
}

// handleWebSocket runs one device connection: a register frame within
// registerTimeout, then heartbeats until the peer goes away or is evicted.
func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		return
	}
	ctx := r.Context()
	wsConn := session.NewWSConn(conn, wsWriteTimeout)

	var hello clientFrame
	helloCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	err = wsjson.Read(helloCtx, conn, &hello)
	cancel()
	if err != nil || hello.Type != "register" {
		_ = conn.Close(websocket.StatusPolicyViolation, "register frame required")
		return
	}
	if _, err := s.registry.Register(ctx, hello.DeviceID, hello.Token, wsConn); err != nil {
		s.logger.Info("device registration rejected", "device_id", hello.DeviceID, "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "invalid credential")
		return
	}
	defer s.registry.Disconnect(wsConn)

	if err := wsConn.Write(ctx, serverFrame{Type: "registered", DeviceID: hello.DeviceID}); err != nil {
		return
	}
	for {
		var frame clientFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		s.registry.Heartbeat(hello.DeviceID)
		if frame.Type == "ping" {
			if err := wsConn.Write(ctx, serverFrame{Type: "pong"}); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	origin := strings.TrimSpace(s.corsOrigin)
	if origin == "" || origin == "*" {
		opts.InsecureSkipVerify = true
		return opts
	}
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		opts.OriginPatterns = []string{u.Host}
	}
	return opts
}
