// Package api exposes stream control and status over HTTP and a websocket feed.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voc/camstream/health"
	"github.com/voc/camstream/segment"
	"github.com/voc/camstream/stream"
)

// Controller is the lifecycle surface served by the api.
type Controller interface {
	Status(id string) stream.Status
	Statuses() []stream.Status
	Start(id string) (stream.Status, error)
	Restart(id string) (stream.Status, error)
	StopAsync(id string) error
	Handle(ev stream.Event) (stream.Status, error)
	Layout() segment.Layout
}

type Config struct {
	// listen address, empty disables the listener
	Address string
	// node name reported in listings
	Node string
	// served on /metrics when set
	Metrics http.Handler
}

type clientMap map[*websocket.Conn]bool

// message is sent to websocket clients.
type message struct {
	Type    string            `json:"type"`
	Streams []stream.Status   `json:"streams"`
	Health  []health.Snapshot `json:"health,omitempty"`
}

type Server struct {
	conf     Config
	ctrl     Controller
	upgrader websocket.Upgrader
	router   *mux.Router
	log      zerolog.Logger
	ctx      context.Context
	done     sync.WaitGroup

	// update channels
	addClient    chan *websocket.Conn
	removeClient chan *websocket.Conn
	updates      <-chan []health.Snapshot
	events       chan message
}

// New starts the broadcast loop and, if an address is configured, the listener.
// updates may be nil.
func New(ctx context.Context, conf Config, ctrl Controller, updates <-chan []health.Snapshot) *Server {
	s := &Server{
		conf: conf,
		ctrl: ctrl,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log:          log.With().Str("context", "api").Logger(),
		ctx:          ctx,
		addClient:    make(chan *websocket.Conn, 1),
		removeClient: make(chan *websocket.Conn, 1),
		updates:      updates,
		events:       make(chan message, 16),
	}
	s.router = s.routes()

	s.done.Add(1)
	go s.run(ctx)
	return s
}

func (s *Server) Wait() {
	s.done.Wait()
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/streams", s.handleList).Methods("GET")
	v1.HandleFunc("/streams/{id}", s.handleStatus).Methods("GET")
	v1.HandleFunc("/streams/{id}/start", s.handleStart).Methods("POST")
	v1.HandleFunc("/streams/{id}/restart", s.handleRestart).Methods("POST")
	v1.HandleFunc("/streams/{id}/stop", s.handleStop).Methods("POST")
	v1.HandleFunc("/streams/{id}/recordings", s.handleRecordings).Methods("GET")
	v1.HandleFunc("/events", s.handleEvent).Methods("POST")
	v1.HandleFunc("/ws", s.wsHandler)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	}).Methods("GET")
	if s.conf.Metrics != nil {
		router.Handle("/metrics", s.conf.Metrics)
	}
	return router
}

// StreamStopped publishes the result of a background stop to websocket clients.
func (s *Server) StreamStopped(status stream.Status, err error) {
	if err != nil {
		s.log.Error().Err(err).Str("camera", status.CameraID).Msg("background stop")
	}
	select {
	case s.events <- message{Type: "stopped", Streams: []stream.Status{status}}:
	default:
		s.log.Warn().Str("camera", status.CameraID).Msg("event queue full, dropping stop notification")
	}
}

func (s *Server) run(parentContext context.Context) {
	defer s.done.Done()

	var srv *http.Server
	if s.conf.Address != "" {
		srv = &http.Server{Addr: s.conf.Address, Handler: s.router}
		s.done.Add(1)
		go func() {
			defer s.done.Done()
			s.log.Info().Str("address", s.conf.Address).Msg("listening")
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				log.Fatal().Msgf("ListenAndServe(): %v", err)
			}
		}()
	}

	clients := make(clientMap)
	for {
		select {
		case <-parentContext.Done():
			for ws := range clients {
				ws.Close()
			}
			if srv != nil {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					s.log.Error().Err(err).Msg("server shutdown")
				}
			}
			return
		case ws := <-s.addClient:
			if err := ws.WriteJSON(message{Type: "snapshot", Streams: s.ctrl.Statuses()}); err != nil {
				s.log.Error().Err(err).Msg("write snapshot")
			}
			clients[ws] = true
		case ws := <-s.removeClient:
			delete(clients, ws)
		case snapshots := <-s.updates:
			s.broadcast(clients, message{Type: "status", Streams: s.ctrl.Statuses(), Health: snapshots})
		case msg := <-s.events:
			s.broadcast(clients, msg)
		}
	}
}

func (s *Server) broadcast(clients clientMap, v interface{}) {
	for ws := range clients {
		err := ws.WriteJSON(v)
		if err != nil {
			s.log.Error().Err(err).Msg("write")
		}
	}
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	defer c.Close()

	// register client
	select {
	case s.addClient <- c:
	case <-s.ctx.Done():
		return
	}
	defer func() {
		select {
		case s.removeClient <- c:
		case <-s.ctx.Done():
		}
	}()

	for {
		_, _, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Error().Err(err).Msg("ws read")
			}
			break
		}
	}
}
