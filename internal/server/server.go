// Package server exposes the orchestrator over HTTPS: the device websocket
// endpoint and a small status API.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agusx1211/afar/internal/debug"
	"github.com/agusx1211/afar/internal/orchestrator"
)

// Options configures server behavior. Port 0 binds an ephemeral port,
// resolved by Addr after Start.
type Options struct {
	Host     string
	Port     int
	TLSMode  string // "", "self-signed", or "custom"
	CertFile string
	KeyFile  string
}

// Server hosts the websocket bridge to the orchestrator.
type Server struct {
	orch       *orchestrator.Orchestrator
	httpServer *http.Server
	host       string
	port       int
	tlsMode    string
	certFile   string
	keyFile    string
}

// New constructs a server for an orchestrator.
func New(orch *orchestrator.Orchestrator, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}

	srv := &Server{
		orch:     orch,
		host:     host,
		port:     opts.Port,
		tlsMode:  strings.TrimSpace(opts.TLSMode),
		certFile: strings.TrimSpace(opts.CertFile),
		keyFile:  strings.TrimSpace(opts.KeyFile),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", srv.handleWebSocket)
	mux.HandleFunc("GET /api/status", srv.handleStatus)

	srv.httpServer = &http.Server{
		Addr:              srv.Addr(),
		Handler:           corsMiddleware(logMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Start starts the server in a background goroutine and returns immediately.
func (srv *Server) Start() error {
	if srv.tlsMode != "" {
		var cert tls.Certificate
		var err error

		switch srv.tlsMode {
		case "self-signed":
			cert, err = generateSelfSignedCert(srv.host)
			if err != nil {
				return fmt.Errorf("generating self-signed certificate: %w", err)
			}
		case "custom":
			cert, err = tls.LoadX509KeyPair(srv.certFile, srv.keyFile)
			if err != nil {
				return fmt.Errorf("loading TLS certificate: %w", err)
			}
		default:
			return fmt.Errorf("unsupported TLS mode: %q", srv.tlsMode)
		}

		srv.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		srv.port = tcpAddr.Port
		srv.httpServer.Addr = srv.Addr()
	}

	go func() {
		var err error
		if srv.tlsMode != "" {
			err = srv.httpServer.ServeTLS(ln, "", "")
		} else {
			err = srv.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			debug.LogKV("server", "server stopped with error", "error", err)
		}
	}()

	return nil
}

// Shutdown gracefully stops the HTTP server.
func (srv *Server) Shutdown(ctx context.Context) error {
	return srv.httpServer.Shutdown(ctx)
}

// Addr returns the bound host:port address.
func (srv *Server) Addr() string {
	return net.JoinHostPort(srv.host, strconv.Itoa(srv.port))
}

// Scheme returns the URL scheme for the running server.
func (srv *Server) Scheme() string {
	if srv.tlsMode != "" {
		return "https"
	}
	return "http"
}

// WSScheme returns the websocket URL scheme for the running server.
func (srv *Server) WSScheme() string {
	if srv.tlsMode != "" {
		return "wss"
	}
	return "ws"
}

func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(srv.orch.Stats()); err != nil {
		debug.LogKV("server", "writing status failed", "error", err)
	}
}
