package framework

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// StoredDocument is a document held by the stub node
type StoredDocument struct {
	ID     string                 `json:"_id"`
	Type   string                 `json:"_type"`
	Source map[string]interface{} `json:"_source"`
}

// StubNode emulates the HTTP surface of an old node with the security
// plugin installed: native realm users and roles, document indexing and
// cluster health.
type StubNode struct {
	ClusterName string
	Username    string
	Password    string
	// DataDir, when set, receives every indexed document under
	// <DataDir>/<ClusterName>/nodes/0/indices/<index>/<id>.json.
	DataDir string

	HealthStatus   string
	HealthTimedOut bool

	mu       sync.Mutex
	users    map[string]json.RawMessage
	roles    map[string][]byte
	docs     map[string][]StoredDocument
	failures map[string]int
	requests []string
	nextID   int
	server   *http.Server
	closed   bool
}

// NewStubNode creates a stub accepting basic auth with username/password
func NewStubNode(clusterName, username, password string) *StubNode {
	return &StubNode{
		ClusterName:  clusterName,
		Username:     username,
		Password:     password,
		HealthStatus: "yellow",
		users:        make(map[string]json.RawMessage),
		roles:        make(map[string][]byte),
		docs:         make(map[string][]StoredDocument),
		failures:     make(map[string]int),
	}
}

// FailWith makes requests for method and path answer with status
func (s *StubNode) FailWith(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = status
}

// Handler returns the HTTP handler, for use with httptest
func (s *StubNode) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_cluster/health", s.handleHealth)
	mux.HandleFunc("GET /_cluster/health/{index}", s.handleHealth)
	mux.HandleFunc("PUT /_shield/user/{name}", s.handlePutUser)
	mux.HandleFunc("PUT /_shield/role/{name}", s.handlePutRole)
	mux.HandleFunc("POST /{index}/{type}", s.handleIndex)
	return s.middleware(mux)
}

// ListenAndServe binds addr and serves in the background
func (s *StubNode) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("stub node %s already closed", s.ClusterName)
	}
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	srv := s.server
	s.mu.Unlock()

	go func() {
		_ = srv.Serve(ln)
	}()
	return nil
}

// Close stops serving. A closed stub never serves again.
func (s *StubNode) Close() error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Close()
}

// User returns the stored body of a user
func (s *StubNode) User(name string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[name]
	return u, ok
}

// Role returns the raw request body a role was created with
func (s *StubNode) Role(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[name]
	return r, ok
}

// Documents returns the documents of index in insertion order
func (s *StubNode) Documents(index string) []StoredDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StoredDocument(nil), s.docs[index]...)
}

// Requests returns "METHOD path" for every authenticated request served
func (s *StubNode) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *StubNode) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.Username || pass != s.Password {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "missing authentication token", "status": 401})
			return
		}

		key := r.Method + " " + r.URL.Path
		s.mu.Lock()
		s.requests = append(s.requests, key)
		status, fail := s.failures[key]
		s.mu.Unlock()

		if fail {
			writeJSON(w, status, map[string]interface{}{"error": "injected failure", "status": status})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *StubNode) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cluster_name":      s.ClusterName,
		"status":            s.HealthStatus,
		"timed_out":         s.HealthTimedOut,
		"number_of_nodes":   1,
		"relocating_shards": 0,
	})
}

func (s *StubNode) handlePutUser(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid body"})
		return
	}

	s.mu.Lock()
	_, existed := s.users[r.PathValue("name")]
	s.users[r.PathValue("name")] = body
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"user": map[string]bool{"created": !existed}})
}

func (s *StubNode) handlePutRole(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid body"})
		return
	}

	s.mu.Lock()
	_, existed := s.roles[r.PathValue("name")]
	s.roles[r.PathValue("name")] = body
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"role": map[string]bool{"created": !existed}})
}

func (s *StubNode) handleIndex(w http.ResponseWriter, r *http.Request) {
	var source map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&source); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "failed to parse document"})
		return
	}

	index, docType := r.PathValue("index"), r.PathValue("type")

	s.mu.Lock()
	s.nextID++
	doc := StoredDocument{ID: "doc" + strconv.Itoa(s.nextID), Type: docType, Source: source}
	s.docs[index] = append(s.docs[index], doc)
	err := s.persist(index, doc)
	s.mu.Unlock()

	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"_index":   index,
		"_type":    docType,
		"_id":      doc.ID,
		"_version": 1,
		"created":  true,
	})
}

func (s *StubNode) persist(index string, doc StoredDocument) error {
	if s.DataDir == "" {
		return nil
	}
	dir := filepath.Join(s.DataDir, s.ClusterName, "nodes", "0", "indices", index)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, doc.ID+".json"), data, 0644)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
