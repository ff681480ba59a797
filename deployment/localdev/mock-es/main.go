package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// bulkServer accepts Elasticsearch _bulk index requests and keeps only
// per-index document counts.
type bulkServer struct {
	rejectEvery int

	mu     sync.Mutex
	counts map[string]int
	seen   int
}

type bulkItem struct {
	Index itemResult `json:"index"`
}

type itemResult struct {
	Index  string     `json:"_index"`
	Status int        `json:"status"`
	Error  *itemError `json:"error,omitempty"`
}

type itemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func newBulkServer(rejectEvery int) *bulkServer {
	return &bulkServer{rejectEvery: rejectEvery, counts: make(map[string]int)}
}

func (s *bulkServer) handleBulk(w http.ResponseWriter, r *http.Request) {
	if !enforcePost(w, r) {
		return
	}
	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var items []bulkItem
	hasErrors := false
	s.mu.Lock()
	for scanner.Scan() {
		var action struct {
			Index struct {
				Index string `json:"_index"`
			} `json:"index"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &action); err != nil || action.Index.Index == "" {
			s.mu.Unlock()
			http.Error(w, "malformed action line", http.StatusBadRequest)
			return
		}
		if !scanner.Scan() {
			s.mu.Unlock()
			http.Error(w, "action line without source", http.StatusBadRequest)
			return
		}
		s.seen++
		index := action.Index.Index
		if s.rejectEvery > 0 && s.seen%s.rejectEvery == 0 {
			hasErrors = true
			items = append(items, bulkItem{Index: itemResult{
				Index:  index,
				Status: http.StatusTooManyRequests,
				Error:  &itemError{Type: "es_rejected_execution_exception", Reason: "simulated queue full"},
			}})
			continue
		}
		s.counts[index]++
		items = append(items, bulkItem{Index: itemResult{Index: index, Status: http.StatusCreated}})
	}
	s.mu.Unlock()

	if err := scanner.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"took": 1, "errors": hasErrors, "items": items})
}

func (s *bulkServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	indices := make([]string, 0, len(s.counts))
	for k := range s.counts {
		indices = append(indices, k)
	}
	sort.Strings(indices)
	out := make(map[string]int, len(indices))
	for _, k := range indices {
		out[k] = s.counts[k]
	}
	writeJSON(w, map[string]any{"indices": out})
}

func (s *bulkServer) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/_bulk", s.handleBulk)
	mux.HandleFunc("/_stats", s.handleStats)
	return mux
}

func main() {
	addr := flag.String("addr", ":9200", "Listen address")
	rejectEvery := flag.Int("reject-every", 0, "Reject every Nth document with 429 to exercise client retries")
	flag.Parse()

	srv := newBulkServer(*rejectEvery)
	logger := log.New(log.Writer(), "es-mock ", log.LstdFlags|log.Lmicroseconds)
	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(logger, srv.mux()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Println("listening on", strings.TrimSpace(*addr))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
