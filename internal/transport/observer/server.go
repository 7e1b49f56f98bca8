package observer

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"regionstream.ai/internal/protocol"
	"regionstream.ai/internal/sim/events"
	"regionstream.ai/internal/sim/region"
	"regionstream.ai/internal/sim/streamer"
)

// Service is the part of the streamer the HTTP surface needs.
type Service interface {
	Regions() []region.Descriptor
	Stats() streamer.Stats
	CurrentTick() uint64
	LoadProgress(id string) float64
	InFlight(id string) (loading, unloading bool)
	ForceLoad(id string) (bool, error)
	ForceUnload(id string) (bool, error)
	State(id string) (region.State, error)
	Bus() *events.Bus
}

type PositionSource interface {
	CurrentPosition() region.Vec3
}

// PositionSink accepts POSITION updates. Optional.
type PositionSink interface {
	Set(p region.Vec3)
}

type Options struct {
	// AllowRemoteControl lets non-loopback clients force loads/unloads and
	// push positions.
	AllowRemoteControl bool
}

type Server struct {
	svc  Service
	pos  PositionSource
	sink PositionSink
	opts Options
	log  *log.Logger

	upgrader websocket.Upgrader
	sessions atomic.Int64
	dropped  atomic.Uint64
}

func NewServer(svc Service, pos PositionSource, sink PositionSink, opts Options, logger *log.Logger) *Server {
	return &Server{
		svc:  svc,
		pos:  pos,
		sink: sink,
		opts: opts,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/regions", s.ListHandler())
	mux.HandleFunc("GET /v1/regions/{id}", s.RegionHandler())
	mux.HandleFunc("POST /v1/regions/{id}/load", s.ForceHandler("load"))
	mux.HandleFunc("POST /v1/regions/{id}/unload", s.ForceHandler("unload"))
	mux.HandleFunc("/v1/ws", s.WSHandler())
}

// Sessions is the number of connected event stream clients.
func (s *Server) Sessions() int64 { return s.sessions.Load() }

// Dropped counts events not delivered because a client fell behind.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func (s *Server) status(d region.Descriptor, at region.Vec3) protocol.RegionStatus {
	loading, unloading := s.svc.InFlight(d.ID)
	progress := s.svc.LoadProgress(d.ID)
	if d.State == region.Loaded {
		progress = 1
	}
	return protocol.RegionStatus{
		ID:          d.ID,
		ResourceRef: d.ResourceRef,
		Center:      [3]float64{d.Center.X, d.Center.Y, d.Center.Z},
		State:       d.State.String(),
		Distance:    at.Dist(d.Center),
		Progress:    progress,
		Handles:     len(d.Handles),
		Loading:     loading,
		Unloading:   unloading,
	}
}

func (s *Server) ListHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		at := s.pos.CurrentPosition()
		st := s.svc.Stats()
		resp := protocol.RegionsResponse{
			ProtocolVersion: protocol.Version,
			Tick:            st.Tick,
			Position:        [3]float64{at.X, at.Y, at.Z},
			Loaded:          st.Loaded,
			InFlight:        st.LoadsInFlight,
			Regions:         []protocol.RegionStatus{},
		}
		for _, d := range s.svc.Regions() {
			resp.Regions = append(resp.Regions, s.status(d, at))
		}
		writeJSON(rw, http.StatusOK, resp)
	}
}

func (s *Server) RegionHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		for _, d := range s.svc.Regions() {
			if d.ID == id {
				writeJSON(rw, http.StatusOK, s.status(d, s.pos.CurrentPosition()))
				return
			}
		}
		writeError(rw, http.StatusNotFound, protocol.ErrRegionNotFound, "unknown region "+id)
	}
}

func (s *Server) ForceHandler(action string) http.HandlerFunc {
	force := s.svc.ForceLoad
	if action == "unload" {
		force = s.svc.ForceUnload
	}
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.opts.AllowRemoteControl && !isLoopbackRemote(r.RemoteAddr) {
			writeError(rw, http.StatusForbidden, protocol.ErrForbidden, "forbidden")
			return
		}
		id := r.PathValue("id")
		accepted, err := force(id)
		if errors.Is(err, region.ErrUnknownRegion) {
			writeError(rw, http.StatusNotFound, protocol.ErrRegionNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
			return
		}
		st, _ := s.svc.State(id)
		code := http.StatusOK
		if accepted {
			code = http.StatusAccepted
		}
		writeJSON(rw, code, protocol.ActionResponse{
			ProtocolVersion: protocol.Version,
			RegionID:        id,
			Action:          action,
			Accepted:        accepted,
			State:           st.String(),
		})
	}
}

// filter is the per-connection subscription; replaced whole on re-SUBSCRIBE.
type filter struct {
	progress bool
	regions  map[string]bool
}

func newFilter(sub protocol.SubscribeMsg) *filter {
	f := &filter{progress: sub.Progress}
	if len(sub.Regions) > 0 {
		f.regions = map[string]bool{}
		for _, id := range sub.Regions {
			f.regions[id] = true
		}
	}
	return f
}

func (f *filter) match(ev events.Event) bool {
	if ev.Kind == events.RegionLoadProgress && !f.progress {
		return false
	}
	return f.regions == nil || f.regions[ev.RegionID]
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		control := s.opts.AllowRemoteControl || isLoopbackRemote(r.RemoteAddr)

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub protocol.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != protocol.TypeSubscribe || sub.ProtocolVersion != protocol.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		var cur atomic.Pointer[filter]
		cur.Store(newFilter(sub))
		out := make(chan []byte, 256)

		send := func(v any) {
			b, err := json.Marshal(v)
			if err != nil {
				return
			}
			select {
			case out <- b:
			default:
				s.dropped.Add(1)
			}
		}

		unsubscribe := s.svc.Bus().Subscribe(func(ev events.Event) {
			if !cur.Load().match(ev) {
				return
			}
			send(protocol.EventMsg{
				Type:            protocol.TypeEvent,
				ProtocolVersion: protocol.Version,
				Tick:            s.svc.CurrentTick(),
				Kind:            string(ev.Kind),
				RegionID:        ev.RegionID,
				Fraction:        ev.Fraction,
				Error:           ev.Error,
				At:              ev.At.UTC().Format(time.RFC3339Nano),
			})
		})
		defer unsubscribe()
		s.sessions.Add(1)
		defer s.sessions.Add(-1)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		sendErr := func(code, message string) {
			send(protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, Code: code, Message: message})
		}

		// Reader loop: SUBSCRIBE updates and POSITION pushes.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.ProtocolVersion != protocol.Version {
				sendErr(protocol.ErrProtoBadRequest, "bad message")
				continue
			}
			switch base.Type {
			case protocol.TypeSubscribe:
				var sub protocol.SubscribeMsg
				if err := json.Unmarshal(msg, &sub); err != nil {
					sendErr(protocol.ErrProtoBadRequest, "bad subscribe")
					continue
				}
				cur.Store(newFilter(sub))
			case protocol.TypePosition:
				if s.sink == nil || !control {
					sendErr(protocol.ErrForbidden, "position updates not accepted")
					continue
				}
				var pm protocol.PositionMsg
				if err := json.Unmarshal(msg, &pm); err != nil {
					sendErr(protocol.ErrProtoBadRequest, "bad position")
					continue
				}
				p := region.Vec3{X: pm.Pos[0], Y: pm.Pos[1], Z: pm.Pos[2]}
				if !p.Finite() {
					sendErr(protocol.ErrBadRequest, "position must be finite")
					continue
				}
				s.sink.Set(p)
			default:
				sendErr(protocol.ErrProtoBadRequest, "unknown message type "+base.Type)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(rw, code, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            errCode,
		Message:         msg,
	})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
