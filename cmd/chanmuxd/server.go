package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"chanmux/internal/bufpool"
	"chanmux/internal/capacity"
	"chanmux/internal/channelclient"
	"chanmux/internal/config"
	"chanmux/internal/dispatcher"
	"chanmux/internal/logging"
	"chanmux/internal/metrics"
	"chanmux/internal/redchannel"
	"chanmux/internal/redclient"
	"chanmux/internal/workerpool"
	"chanmux/internal/wsframe"

	"github.com/rs/zerolog"
)

// Server owns the raw TCP listener that speaks the WebSocket binary
// subprotocol, the single demo channel every connection joins, and the
// ambient admission/metrics/dispatch stack, grounded on the teacher's
// server.go Server/Start/Shutdown shape.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	listener net.Listener
	admin    *http.Server

	channel    *redchannel.Channel
	guard      *capacity.Guard
	dispatcher dispatcher.Dispatcher
	bufs       *bufpool.Pool
	pool       *workerpool.Pool

	clientsMu sync.Mutex
	clients   map[uint64]*redclient.Client
	nextID    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds a ready-to-Start Server from cfg. It does not bind the
// listener yet; that happens in Start so construction errors (bad NATS URL,
// bad config) surface before anything is listening.
func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	maxClients := cfg.MaxChannelClients
	if maxClients == 0 {
		maxClients = capacity.DefaultMaxChannelClients()
	}
	guard := capacity.New(capacity.Config{
		MaxChannelClients: maxClients,
		MaxGoroutines:     cfg.MaxGoroutines,
		CPURejectPercent:  cfg.CPURejectThreshold,
		AdmitRatePerSec:   float64(cfg.AdmitRatePerSec),
	})

	var disp dispatcher.Dispatcher
	switch cfg.Dispatch {
	case "nats":
		n, err := dispatcher.NewNATS(cfg.NATSURL)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("chanmuxd: %w", err)
		}
		metrics.SetDispatcherConnected(true)
		disp = n
	default:
		disp = dispatcher.NewInProcess(256)
	}

	pool := bufpool.New()

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		guard:      guard,
		dispatcher: disp,
		bufs:       pool,
		pool:       workerpool.New(cfg.MaxGoroutines / 10),
		clients:    make(map[uint64]*redclient.Client),
		ctx:        ctx,
		cancel:     cancel,
	}

	cbs := buildMainChannelCallbacks(pool, guard, logger)
	clientCbs := redchannel.ClientCallbacks{
		Connect: func(ch *redchannel.Channel, cc channelclient.ChannelClient) error {
			metrics.RecordChannelClientConnected("main")
			return nil
		},
	}

	ch, err := redchannel.New(mainChannelType, 0, cfg.AckWindowSize > 0, 0, cbs, clientCbs)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("chanmuxd: construct channel: %w", err)
	}
	ch.SetAdmissionGuard(guard)
	s.channel = ch

	return s, nil
}

// Start binds the WebSocket listener, the admin/metrics HTTP server, and
// the capacity monitor, then begins accepting connections in the
// background. It returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("chanmuxd: listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.guard.StartMonitoring(s.cfg.CapacityMonitorInterval, s.ctx.Done())
	s.pool.Start(s.ctx)

	s.admin = &http.Server{Addr: s.cfg.AdminAddr, Handler: s.adminMux()}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("admin http server failed")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	s.logger.Info().Str("addr", s.cfg.Addr).Str("admin_addr", s.cfg.AdminAddr).Msg("chanmuxd listening")
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		s.pool.Submit(func() { s.handleConn(conn) })
	}
}

// handleConn performs the opening handshake, wires a redclient.Client and a
// channelclient.Generic into the demo channel, then runs the
// receive/push loop until the peer disconnects or a protocol error closes
// the connection.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			logging.Panic(s.logger, r, "panic handling connection", map[string]any{"remote_addr": conn.RemoteAddr().String()})
		}
	}()
	defer conn.Close()

	raw := wsframe.RawIO{
		Read:  conn.Read,
		Write: conn.Write,
		WriteV: func(bufs [][]byte) (int, error) {
			n, err := net.Buffers(bufs).WriteTo(conn)
			return int(n), err
		},
	}

	wsConn, err := wsframe.New(nil, raw)
	if err != nil {
		metrics.RecordError(metrics.ErrorTypeHandshake, metrics.SeverityWarning)
		s.logger.Debug().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("handshake failed")
		return
	}

	clientID := s.nextID.Add(1)
	cl := redclient.New(clientID, false, s.dispatcher)
	cc := channelclient.NewGeneric(s.channel, cl, wsConn, s.cfg.AckWindowSize)

	if err := s.channel.AddClient(cc); err != nil {
		metrics.RecordAdmissionRejection("capacity")
		return
	}
	cl.AddChannel(cc)
	if err := s.channel.Connect(cc); err != nil {
		s.logger.Warn().Err(err).Uint64("client_id", clientID).Msg("connect callback declined")
	}

	s.registerClient(clientID, cl)
	defer s.unregisterClient(clientID)

	for cc.IsConnected() && !wsConn.Closed() {
		if _, err := cc.Receive(); err != nil {
			break
		}
		if err := cc.Push(); err != nil {
			break
		}
	}

	s.channel.RemoveClient(cc)
	cl.Destroy()
}

func (s *Server) registerClient(id uint64, c *redclient.Client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[id] = c
}

func (s *Server) unregisterClient(id uint64) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, id)
}

func (s *Server) lookupClient(id uint64) (*redclient.Client, bool) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	c, ok := s.clients[id]
	return c, ok
}

// adminMux exposes Prometheus metrics, a liveness probe, and the migration
// control surface spec.md leaves as an external collaborator (the
// supervising thread that would otherwise call these directly in-process).
func (s *Server) adminMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/clients", func(w http.ResponseWriter, r *http.Request) {
		s.clientsMu.Lock()
		n := len(s.clients)
		s.clientsMu.Unlock()
		json.NewEncoder(w).Encode(map[string]int{"connected_clients": n, "channel_clients": s.channel.GetNClients()})
	})
	mux.HandleFunc("/admin/migrate/seamless", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(r.URL.Query().Get("client_id"), 10, 64)
		if err != nil {
			http.Error(w, "bad client_id", http.StatusBadRequest)
			return
		}
		c, ok := s.lookupClient(id)
		if !ok {
			http.Error(w, "unknown client", http.StatusNotFound)
			return
		}
		c.SetMigrationSeamless()
		metrics.RecordMigrationStarted("seamless")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/admin/migrate/semi_seamless_complete", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(r.URL.Query().Get("client_id"), 10, 64)
		if err != nil {
			http.Error(w, "bad client_id", http.StatusBadRequest)
			return
		}
		c, ok := s.lookupClient(id)
		if !ok {
			http.Error(w, "unknown client", http.StatusNotFound)
			return
		}
		if err := c.SemiSeamlessMigrateComplete(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		metrics.RecordMigrationCompleted("semi_seamless")
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Shutdown drains the accept loop, disconnects every connected channel-client
// via the channel's fan-out Disconnect, and stops the admin server and
// worker pool, bounded by ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.channel.WaitAllSent(int64(2 * time.Second))
	s.channel.Disconnect()

	if s.admin != nil {
		s.admin.Shutdown(ctx)
	}
	s.pool.Stop()

	if n, ok := s.dispatcher.(*dispatcher.NATS); ok {
		n.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
