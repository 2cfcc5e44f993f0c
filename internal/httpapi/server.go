// Package httpapi serves the query API to clients and peers, and provides the
// peer client used for one-hop forwarding.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"profilestore/internal/changelog"
	"profilestore/internal/directory"
	"profilestore/internal/domain"
	"profilestore/internal/hashroute"
	"profilestore/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ForwardedHeader marks a request that already took its forwarding hop. Its
// value is the id of the instance that forwarded it.
const ForwardedHeader = "X-Profilestore-Forwarded"

const (
	kindNotFound       = "not_found"
	kindUnavailable    = "unavailable"
	kindStaleOwnership = "stale_ownership"
	kindBadRequest     = "bad_request"
	kindInternal       = "internal"
)

type Querier interface {
	Lookup(ctx context.Context, key string, forwarded bool) (domain.ProfileRecord, error)
	Search(ctx context.Context, query string, partitions []domain.PartitionID, forwarded bool) ([]domain.ProfileRecord, error)
}

// Status reports the partitions this instance currently serves.
type Status interface {
	Owned() []domain.PartitionID
}

type Config struct {
	Querier   Querier
	Publisher changelog.Publisher
	Directory *directory.Directory
	Status    Status

	RetryAfter   time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (c *Config) withDefaults() {
	if c.RetryAfter <= 0 {
		c.RetryAfter = time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
}

type Server struct {
	cfg    Config
	log    *zap.Logger
	router *mux.Router
}

func NewServer(cfg Config) (*Server, error) {
	cfg.withDefaults()
	if cfg.Querier == nil {
		return nil, errors.New("http api requires a querier")
	}
	if cfg.Directory == nil {
		return nil, errors.New("http api requires the instance directory")
	}
	s := &Server{
		cfg:    cfg,
		log:    cfg.Logger.With(zap.String("component", "httpapi")),
		router: mux.NewRouter().UseEncodedPath(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.HandleFunc("/profile/{key}", s.getProfile).Methods(http.MethodGet)
	s.router.HandleFunc("/profile", s.createProfile).Methods(http.MethodPost)
	s.router.HandleFunc("/profile/{key}", s.updateProfile).Methods(http.MethodPut)
	s.router.HandleFunc("/profile/{key}", s.deleteProfile).Methods(http.MethodDelete)
	s.router.HandleFunc("/search/{query}", s.search).Methods(http.MethodGet)
	s.router.HandleFunc("/instances", s.instances).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on l until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()
	s.log.Info("query api listening", zap.String("addr", l.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func forwarded(r *http.Request) bool {
	return r.Header.Get(ForwardedHeader) != ""
}

// pathVar returns a decoded route variable. Routes match the escaped path so
// that keys may contain a slash.
func pathVar(r *http.Request, name string) (string, bool) {
	v, err := url.PathUnescape(mux.Vars(r)[name])
	return v, err == nil
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	key, ok := pathVar(r, "key")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid profile key", Kind: kindBadRequest})
		return
	}
	rec, err := s.cfg.Querier.Lookup(r.Context(), key, forwarded(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	query, ok := pathVar(r, "query")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid search query", Kind: kindBadRequest})
		return
	}
	partitions, err := parsePartitions(r.URL.Query().Get("partitions"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: kindBadRequest})
		return
	}
	hits, err := s.cfg.Querier.Search(r.Context(), query, partitions, forwarded(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if hits == nil {
		hits = []domain.ProfileRecord{}
	}
	writeJSON(w, http.StatusOK, hits)
}

func (s *Server) createProfile(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.decodeRecord(w, r)
	if !ok {
		return
	}
	s.publish(w, r, domain.EventCreate, rec.UID, &rec)
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.decodeRecord(w, r)
	if !ok {
		return
	}
	key, ok := pathVar(r, "key")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid profile key", Kind: kindBadRequest})
		return
	}
	if uid := hashroute.CanonicalizeKey(rec.UID); uid != "" && uid != hashroute.CanonicalizeKey(key) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "uid does not match the path key", Kind: kindBadRequest})
		return
	}
	s.publish(w, r, domain.EventUpdate, key, &rec)
}

func (s *Server) deleteProfile(w http.ResponseWriter, r *http.Request) {
	key, ok := pathVar(r, "key")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid profile key", Kind: kindBadRequest})
		return
	}
	s.publish(w, r, domain.EventDelete, key, nil)
}

func (s *Server) decodeRecord(w http.ResponseWriter, r *http.Request) (domain.ProfileRecord, bool) {
	var rec domain.ProfileRecord
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "decode profile: " + err.Error(), Kind: kindBadRequest})
		return rec, false
	}
	return rec, true
}

type publishResponse struct {
	Key       string             `json:"key"`
	Partition domain.PartitionID `json:"partition"`
	EventID   string             `json:"event_id"`
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request, typ domain.EventType, key string, rec *domain.ProfileRecord) {
	if s.cfg.Publisher == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "publishing is disabled on this instance", Kind: kindInternal})
		return
	}
	key = hashroute.CanonicalizeKey(key)
	if key == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "profile key is required", Kind: kindBadRequest})
		return
	}
	ev := domain.ChangeEvent{
		Type:           typ,
		Key:            key,
		EventID:        uuid.NewString(),
		EventTimeUTCNs: time.Now().UTC().UnixNano(),
		Profile:        rec,
	}
	p, err := s.cfg.Publisher.Publish(r.Context(), ev)
	if err != nil {
		s.log.Warn("publish failed", zap.String("key", key), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), Kind: kindUnavailable})
		return
	}
	writeJSON(w, http.StatusAccepted, publishResponse{Key: key, Partition: p, EventID: ev.EventID})
}

func (s *Server) instances(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Directory.Current())
}

type healthResponse struct {
	Status   string               `json:"status"`
	Instance string               `json:"instance"`
	Owned    []domain.PartitionID `json:"owned"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Instance: s.cfg.Directory.SelfID(), Owned: []domain.PartitionID{}}
	if s.cfg.Status != nil {
		resp.Owned = append(resp.Owned, s.cfg.Status.Owned()...)
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Kind: kindNotFound})
	case errors.Is(err, domain.ErrStaleOwnership):
		writeJSON(w, http.StatusMisdirectedRequest, errorBody{Error: err.Error(), Kind: kindStaleOwnership})
	case errors.Is(err, domain.ErrUnavailable):
		w.Header().Set("Retry-After", strconv.Itoa(int((s.cfg.RetryAfter+time.Second-1)/time.Second)))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), Kind: kindUnavailable})
	case errors.Is(err, domain.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: kindBadRequest})
	case errors.Is(err, context.Canceled):
		// The caller is gone; nothing useful can be written.
	default:
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Kind: kindInternal})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parsePartitions(raw string) ([]domain.PartitionID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []domain.PartitionID
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 32)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid partition %q", part)
		}
		out = append(out, domain.PartitionID(n))
	}
	return out, nil
}

func formatPartitions(ps []domain.PartitionID) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = strconv.Itoa(int(p))
	}
	return strings.Join(parts, ",")
}
