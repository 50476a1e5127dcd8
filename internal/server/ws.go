package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/agusx1211/afar/internal/debug"
)

const writeTimeout = 15 * time.Second

func (srv *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	// Frames are binary CBOR envelopes; text frames are a protocol error.
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	conn := srv.orch.NewConn(remote)
	defer conn.Close()

	ctx := r.Context()

	// Write pump: drains the orchestrator's queue into the socket.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case frame := <-conn.Out():
				writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
				err := ws.Write(writeCtx, websocket.MessageBinary, frame)
				cancel()
				if err != nil {
					conn.Close()
					return
				}
			case <-conn.Done():
				// Flush anything still queued before closing.
				for {
					select {
					case frame := <-conn.Out():
						writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
						err := ws.Write(writeCtx, websocket.MessageBinary, frame)
						cancel()
						if err != nil {
							return
						}
					default:
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		msgType, data, err := ws.Read(ctx)
		if err != nil {
			break
		}
		if msgType != websocket.MessageBinary {
			conn.Close()
			break
		}
		conn.HandleFrame(data)
		select {
		case <-conn.Done():
		default:
			continue
		}
		break
	}

	conn.Close()
	<-writeDone

	if code, reason := conn.CloseInfo(); code != 0 {
		debug.LogKV("server", "closing connection", "code", code, "reason", reason)
		_ = ws.Close(websocket.StatusCode(code), reason)
	} else {
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}
}
