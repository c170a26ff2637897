package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
)

// backend-sim is a standalone stand-in for the hosted backend data service:
// it accepts location upserts, serves a fixed contact list, and logs push
// requests, with optional random failures to exercise the daemon's retry and
// offline paths.

type contact struct {
	ContactID string `json:"contact_id"`
	FullName  string `json:"full_name"`
	PushToken string `json:"push_token"`
}

type locationRow struct {
	UserID     string    `json:"user_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	IsAlert    bool      `json:"is_alert"`
	CapturedAt time.Time `json:"captured_at"`
}

type simServer struct {
	mu        sync.Mutex
	locations map[string]locationRow
	contacts  []contact
	failRate  float64
	rng       *rand.Rand
}

func main() {
	addr := flag.String("addr", ":9000", "HTTP bind address")
	contactSpec := flag.String("contacts", "c1:Alice:token-alice,c2:Bob:token-bob", "Comma-separated contact_id:name:push_token entries")
	failRate := flag.Float64("fail-rate", 0, "Probability in [0,1) that a write request fails with HTTP 503")

	flag.Parse()

	srv := &simServer{
		locations: make(map[string]locationRow),
		contacts:  parseContacts(*contactSpec),
		failRate:  *failRate,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/v1/locations", srv.handleLocations)
	mux.HandleFunc("/v1/contacts", srv.handleContacts)
	mux.HandleFunc("/v1/push", srv.handlePush)

	httpServer := &http.Server{Addr: *addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("backend-sim listening on %s (contacts=%d fail-rate=%.2f)", *addr, len(srv.contacts), *failRate)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("received shutdown signal, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func parseContacts(spec string) []contact {
	var out []contact
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 3)
		if len(parts) != 3 {
			continue
		}
		out = append(out, contact{ContactID: parts[0], FullName: parts[1], PushToken: parts[2]})
	}
	return out
}

func (s *simServer) injectFailure(w http.ResponseWriter) bool {
	s.mu.Lock()
	fail := s.failRate > 0 && s.rng.Float64() < s.failRate
	s.mu.Unlock()
	if fail {
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
	}
	return fail
}

func (s *simServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *simServer) handleLocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.injectFailure(w) {
		return
	}

	var row locationRow
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if row.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}

	// Last write wins per user, matching the real service's upsert contract.
	s.mu.Lock()
	s.locations[row.UserID] = row
	s.mu.Unlock()

	log.Printf("location upsert user=%s lat=%.5f lon=%.5f alert=%v", row.UserID, row.Latitude, row.Longitude, row.IsAlert)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"stored"}`))
}

func (s *simServer) handleContacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	contacts := s.contacts
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(struct {
		Contacts []contact `json:"contacts"`
	}{Contacts: contacts}); err != nil {
		log.Printf("encode contacts: %v", err)
	}
}

func (s *simServer) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.injectFailure(w) {
		return
	}

	var req struct {
		Target string `json:"target"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	log.Printf("push target=%s title=%q body=%q", req.Target, req.Title, req.Body)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"delivered"}`))
}
