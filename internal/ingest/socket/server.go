// Package socket is a producer-facing gateway speaking length-prefixed
// protobuf frames. Requests for one key are served in arrival order by the
// worker of the key's partition.
package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"profilestore/internal/changelog"
	"profilestore/internal/domain"
	"profilestore/internal/hashroute"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Querier interface {
	Lookup(ctx context.Context, key string, forwarded bool) (domain.ProfileRecord, error)
}

// Status reports the partitions this instance currently serves.
type Status interface {
	Owned() []domain.PartitionID
}

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	TLSConfig                                   *tls.Config

	Partitions         int
	MaxInflight        int
	GlobalQueueLimit   int
	PartitionQueueSize int
	RequestTimeout     time.Duration

	Publisher changelog.Publisher
	Querier   Querier
	Status    Status
	Logger    *zap.Logger
}

func (c *Config) withDefaults() {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = 64
	}
	if c.GlobalQueueLimit <= 0 {
		c.GlobalQueueLimit = 4096
	}
	if c.PartitionQueueSize <= 0 {
		c.PartitionQueueSize = 128
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

func (c Config) Validate() error {
	if c.Partitions <= 0 {
		return errors.New("socket gateway requires a positive partition count")
	}
	if c.Publisher == nil {
		return errors.New("socket gateway requires a publisher")
	}
	if c.Querier == nil {
		return errors.New("socket gateway requires a querier")
	}
	return nil
}

type Server struct {
	cfg     Config
	log     *zap.Logger
	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	partQ   []chan queuedRequest
	closed  atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns map[*connection]struct{}
}

type queuedRequest struct {
	ctx     context.Context
	req     *Request
	conn    *connection
	release func()
}

type connection struct {
	c        net.Conn
	writerQ  chan *Response
	inflight chan struct{}
	closed   chan struct{}
}

func (c *connection) send(res *Response) {
	select {
	case c.writerQ <- res:
	case <-c.closed:
	}
}

func NewServer(cfg Config) (*Server, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger.With(zap.String("component", "socket")),
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		partQ:   make([]chan queuedRequest, cfg.Partitions),
		done:    make(chan struct{}),
		conns:   make(map[*connection]struct{}),
	}
	for i := range s.partQ {
		s.partQ[i] = make(chan queuedRequest, cfg.PartitionQueueSize)
	}
	return s, nil
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start listens and serves until ctx ends or Close is called.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.log.Info("socket gateway listening", zap.String("addr", ln.Addr().String()))

	for i := range s.partQ {
		s.wg.Add(1)
		go s.runPartitionWorker(s.partQ[i])
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{
		c:        raw,
		writerQ:  make(chan *Response, 256),
		inflight: make(chan struct{}, s.cfg.MaxInflight),
		closed:   make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			close(conn.closed)
			_ = raw.Close()
		}()
		s.readLoop(ctx, conn)
	}()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for {
		select {
		case <-conn.closed:
			return
		case res := <-conn.writerQ:
			payload, err := MarshalMessage(res)
			if err != nil {
				s.log.Warn("encode response", zap.String("request_id", res.RequestId), zap.Error(err))
				continue
			}
			if err := WriteFrame(w, payload); err != nil {
				_ = conn.c.Close()
				return
			}
			if err := w.Flush(); err != nil {
				_ = conn.c.Close()
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			conn.send(&Response{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			conn.send(badReq(req, err.Error()))
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			conn.send(failure(req, ErrorCodeUnauthenticated, "invalid auth token"))
			continue
		}

		switch Operation(req.Operation) {
		case OperationPing, OperationHealth:
			conn.send(s.handleRequest(ctx, req))
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			conn.send(failure(req, ErrorCodeOverloaded, "connection inflight limit exceeded"))
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			conn.send(failure(req, ErrorCodeOverloaded, "gateway queue overloaded"))
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		select {
		case s.partQ[s.partitionFor(req)] <- qr:
		default:
			qr.release()
			conn.send(failure(req, ErrorCodeOverloaded, "partition queue overloaded"))
		}
	}
}

func (s *Server) runPartitionWorker(q chan queuedRequest) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case qr := <-q:
			res := s.handleRequest(qr.ctx, qr.req)
			qr.release()
			qr.conn.send(res)
		}
	}
}

func (s *Server) partitionFor(req *Request) int {
	var key string
	switch {
	case req.Publish != nil && req.Publish.Event != nil:
		key = req.Publish.Event.Key
	case req.PublishBatch != nil && len(req.PublishBatch.Events) > 0 && req.PublishBatch.Events[0] != nil:
		key = req.PublishBatch.Events[0].Key
	case req.GetProfile != nil:
		key = req.GetProfile.Key
	}
	return int(hashroute.PartitionOf(key, s.cfg.Partitions))
}

func (s *Server) handleRequest(ctx context.Context, req *Request) *Response {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	res := &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		res.Health = s.health()
	case OperationPublish:
		if req.Publish == nil || req.Publish.Event == nil {
			return badReq(req, "publish event required")
		}
		return s.publish(ctx, req, []*ChangeEvent{req.Publish.Event})
	case OperationPublishBatch:
		if req.PublishBatch == nil || len(req.PublishBatch.Events) == 0 {
			return badReq(req, "publish_batch events required")
		}
		return s.publish(ctx, req, req.PublishBatch.Events)
	case OperationGetProfile:
		if req.GetProfile == nil || hashroute.CanonicalizeKey(req.GetProfile.Key) == "" {
			return badReq(req, "get_profile key required")
		}
		return s.getProfile(ctx, req)
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func (s *Server) health() *HealthResponse {
	out := &HealthResponse{Ok: true, Message: "ok"}
	if s.cfg.Status == nil {
		return out
	}
	owned := s.cfg.Status.Owned()
	for _, p := range owned {
		out.Partitions = append(out.Partitions, uint32(p))
	}
	out.Message = fmt.Sprintf("serving %d partitions", len(owned))
	return out
}

// publish validates every event before appending any, then appends them in
// order and stops at the first failure.
func (s *Server) publish(ctx context.Context, req *Request, events []*ChangeEvent) *Response {
	now := time.Now()
	evs := make([]domain.ChangeEvent, 0, len(events))
	for i, e := range events {
		if e == nil {
			return badReq(req, fmt.Sprintf("event %d is empty", i))
		}
		ev := e.domainEvent(now)
		if err := validateEvent(ev); err != nil {
			return badReq(req, fmt.Sprintf("event %d: %v", i, err))
		}
		if ev.EventID == "" {
			ev.EventID = uuid.NewString()
		}
		evs = append(evs, ev)
	}

	res := &Response{RequestId: req.RequestId, Publish: &PublishResponse{}}
	for _, ev := range evs {
		p, err := s.cfg.Publisher.Publish(ctx, ev)
		if err != nil {
			s.log.Warn("publish failed",
				zap.String("request_id", req.RequestId),
				zap.String("key", ev.Key),
				zap.Error(err))
			res.ErrorCode, res.ErrorMessage = int32(codeFor(err)), err.Error()
			return res
		}
		res.Publish.Accepted++
		res.Publish.PartitionId = uint32(p)
		res.Publish.EventIds = append(res.Publish.EventIds, ev.EventID)
	}
	return res
}

func validateEvent(ev domain.ChangeEvent) error {
	if !ev.Type.Known() {
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	if hashroute.CanonicalizeKey(ev.Key) == "" {
		return errors.New("key is required")
	}
	if ev.Type != domain.EventDelete && ev.Profile == nil {
		return fmt.Errorf("%s event requires a profile", ev.Type)
	}
	return nil
}

func (s *Server) getProfile(ctx context.Context, req *Request) *Response {
	key := hashroute.CanonicalizeKey(req.GetProfile.Key)
	res := &Response{RequestId: req.RequestId, Profile: &ProfileResponse{
		PartitionId: uint32(hashroute.PartitionOf(key, s.cfg.Partitions)),
	}}
	rec, err := s.cfg.Querier.Lookup(ctx, key, false)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		res.ErrorCode, res.ErrorMessage = int32(codeFor(err)), err.Error()
	default:
		res.Profile.Found = true
		res.Profile.Profile = toProfile(rec)
	}
	return res
}

func codeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return ErrorCodeNotFound
	case errors.Is(err, domain.ErrStaleOwnership):
		return ErrorCodeStaleOwnership
	case errors.Is(err, domain.ErrInvalidRequest):
		return ErrorCodeBadRequest
	case errors.Is(err, domain.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeUnavailable
	default:
		return ErrorCodeInternal
	}
}

func badReq(req *Request, msg string) *Response {
	return failure(req, ErrorCodeBadRequest, msg)
}

func failure(req *Request, code ErrorCode, msg string) *Response {
	return &Response{RequestId: req.RequestId, ErrorCode: int32(code), ErrorMessage: msg}
}

// DialAndRequest sends one request on a fresh connection and waits for its
// response.
func DialAndRequest(ctx context.Context, network, address string, req *Request) (*Response, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

// ResponseError is the error form of a non-OK response.
type ResponseError struct {
	Code    ErrorCode
	Message string
}

func (e *ResponseError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Err returns nil for an OK response and a *ResponseError otherwise.
func (r *Response) Err() error {
	if ErrorCode(r.ErrorCode) == ErrorCodeOK {
		return nil
	}
	return &ResponseError{Code: ErrorCode(r.ErrorCode), Message: r.ErrorMessage}
}
