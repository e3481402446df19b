// Package locate implements the Location Ingress component: a small HTTP
// endpoint that accepts pushed location fixes and keeps the shared Runtime's
// freshness clock current.
package locate

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"pible/internal/state"
	"pible/internal/util"
)

type gpsPayload struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// Server is the POST/GET /gps HTTP ingress described in spec §4.C.
type Server struct {
	rt   *state.Runtime
	addr string
	log  *logrus.Logger
	srv  *http.Server
}

func NewServer(rt *state.Runtime, addr string, logger *logrus.Logger) *Server {
	if addr == "" {
		addr = "0.0.0.0:5000"
	}
	return &Server{rt: rt, addr: addr, log: logger}
}

// Start binds the listener and begins serving in the background, along with
// the 1 s status-flip loop. It returns once the listener is bound so the
// Supervisor can safely proceed to wait on the first fix.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/gps", s.handleGPS)

	s.srv = &http.Server{
		Handler: mux,
		// Suppress the HTTP library's own access/error logging; only our
		// own "received fix" line is allowed to print (spec §4.C).
		ErrorLog: log.New(io.Discard, "", 0),
	}

	util.Line("[INFO]", util.ColorBlue, "GPS server online.")

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("gps: server error: %v", err)
		}
	}()

	go s.statusLoop(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	return nil
}

func (s *Server) handleGPS(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	var p gpsPayload
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(&p)
	if err != nil || p.Latitude == nil || p.Longitude == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "error",
			"message": "Invalid data",
		})
		return
	}

	s.rt.UpdateLocation(*p.Latitude, *p.Longitude)

	if s.rt.ScanningStarted() {
		util.Linef("[GPS DATA]", util.ColorCyan, "Current Coordinates: %v, %v", *p.Latitude, *p.Longitude)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": s.rt.LocationStatus()})
}

// statusLoop flips Runtime's location_status between online/offline every
// second based on the freshness predicate (spec §4.C).
func (s *Server) statusLoop(ctx context.Context) {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			status, changed := s.rt.RefreshLocationStatus()
			if !changed {
				continue
			}
			if status == "online" {
				util.Line("[GPS]", util.ColorGreen, "signal acquired")
				s.log.Info("gps: signal acquired")
			} else {
				util.Line("[GPS]", util.ColorYellow, "signal lost")
				s.log.Info("gps: signal lost")
			}
		}
	}
}
