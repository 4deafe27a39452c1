// Package natsrpc serves version-CAS upserts as NATS request-reply.
package natsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agentworkforce/deskrelay/internal/versioncas"
	"github.com/agentworkforce/deskrelay/pkg/logger"
	"github.com/agentworkforce/deskrelay/pkg/metrics"
)

const (
	SubjectPrefix  = "deskrelay.upsert."
	QueueGroup     = "deskrelay-syncd"
	DefaultTimeout = 10 * time.Second
)

func Subject(kind versioncas.Kind) string {
	return SubjectPrefix + string(kind)
}

type Upserter interface {
	Upsert(ctx context.Context, rec versioncas.Record, nextVersion string) (versioncas.Result, error)
}

// Reply is the response envelope. Exactly one of Result and Error is set.
type Reply struct {
	Result *versioncas.Result `json:"result,omitempty"`
	Error  *ReplyError        `json:"error,omitempty"`
}

type ReplyError struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	ExpectedVersion string `json:"expectedVersion,omitempty"`
}

type ConnectOptions struct {
	URL   string
	Token string
	Name  string
}

// Connect dials NATS with unlimited reconnects and logs connection changes.
func Connect(opts ConnectOptions, log *logger.Logger) (*nats.Conn, error) {
	log = logger.OrNop(log).Named("nats")
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("nats error", zap.String("subject", subject), zap.Error(err))
		}),
	}
	if opts.Token != "" {
		natsOpts = append(natsOpts, nats.Token(opts.Token))
	}
	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

type Server struct {
	svc     Upserter
	log     *logger.Logger
	timeout time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewServer(svc Upserter, log *logger.Logger) *Server {
	return &Server{
		svc:     svc,
		log:     logger.OrNop(log).Named("natsrpc"),
		timeout: DefaultTimeout,
	}
}

// Start joins the queue group on one subject per kind.
func (s *Server) Start(nc *nats.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range versioncas.Kinds() {
		sub, err := nc.QueueSubscribe(Subject(kind), QueueGroup, s.onMessage)
		if err != nil {
			s.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", Subject(kind), err)
		}
		s.subs = append(s.subs, sub)
	}
	s.log.Info("listening", zap.String("subjects", SubjectPrefix+"*"), zap.String("queue", QueueGroup))
	return nil
}

// Stop drains the subscriptions so in-flight requests are answered.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	s.subs = nil
	return errors.Join(errs...)
}

func (s *Server) unsubscribeLocked() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Server) onMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	reply := s.Handle(ctx, msg.Subject, msg.Data)
	body, err := json.Marshal(reply)
	if err != nil {
		s.log.Error("encode reply", zap.Error(err))
		return
	}
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(body); err != nil {
		s.log.Warn("respond failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

// Handle decodes one request, runs the upsert and builds the reply.
func (s *Server) Handle(ctx context.Context, subject string, data []byte) Reply {
	kindName := strings.TrimPrefix(subject, SubjectPrefix)
	kind, err := versioncas.ParseKind(kindName)
	if err != nil || kindName == subject {
		metrics.NATSRequestsTotal.WithLabelValues("unknown", "invalid_input").Inc()
		return errorReply("invalid_input", fmt.Sprintf("unknown subject %q", subject), "")
	}
	rec, next, err := versioncas.DecodeRequest(kind, data)
	if err == nil {
		err = rec.Validate()
	}
	if err == nil {
		var result versioncas.Result
		result, err = s.svc.Upsert(ctx, rec, next)
		if err == nil {
			metrics.NATSRequestsTotal.WithLabelValues(string(kind), "ok").Inc()
			return Reply{Result: &result}
		}
	}

	reply := replyFor(err)
	metrics.NATSRequestsTotal.WithLabelValues(string(kind), reply.Error.Code).Inc()
	if reply.Error.Code == "internal_error" || reply.Error.Code == "data_corruption" {
		s.log.Error("upsert failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	return reply
}

func replyFor(err error) Reply {
	var conflict *versioncas.ConflictError
	switch {
	case errors.As(err, &conflict):
		return errorReply("version_conflict", err.Error(), conflict.ExpectedVersion)
	case errors.Is(err, versioncas.ErrDataCorruption):
		return errorReply("data_corruption", err.Error(), "")
	case errors.Is(err, versioncas.ErrForbidden):
		return errorReply("forbidden", err.Error(), "")
	case errors.Is(err, versioncas.ErrDuplicate):
		return errorReply("duplicate", err.Error(), "")
	case errors.Is(err, versioncas.ErrInvalidInput), errors.Is(err, versioncas.ErrUnknownKind):
		return errorReply("invalid_input", err.Error(), "")
	default:
		return errorReply("internal_error", "internal error", "")
	}
}

func errorReply(code, message, expected string) Reply {
	return Reply{Error: &ReplyError{Code: code, Message: message, ExpectedVersion: expected}}
}

// Err converts a reply error back into the service's error kinds so callers
// can use errors.Is on both sides of the wire.
func (e *ReplyError) Err(kind versioncas.Kind, id string) error {
	switch e.Code {
	case "version_conflict":
		return &versioncas.ConflictError{Kind: kind, ID: id, ExpectedVersion: e.ExpectedVersion}
	case "data_corruption":
		return fmt.Errorf("%w: %s", versioncas.ErrDataCorruption, e.Message)
	case "invalid_input":
		return fmt.Errorf("%w: %s", versioncas.ErrInvalidInput, e.Message)
	case "forbidden":
		return fmt.Errorf("%w: %s", versioncas.ErrForbidden, e.Message)
	case "duplicate":
		return fmt.Errorf("%w: %s", versioncas.ErrDuplicate, e.Message)
	default:
		return fmt.Errorf("upsert %s %s: %s", kind, id, e.Message)
	}
}

// Requester is the part of *nats.Conn the client needs.
type Requester interface {
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

// Upsert sends one upsert request and waits for the reply.
func Upsert(ctx context.Context, nc Requester, rec versioncas.Record, nextVersion string) (versioncas.Result, error) {
	row, err := json.Marshal(rec)
	if err != nil {
		return versioncas.Result{}, err
	}
	body, err := json.Marshal(versioncas.Request{Row: row, NextVersionID: nextVersion})
	if err != nil {
		return versioncas.Result{}, err
	}
	msg, err := nc.RequestWithContext(ctx, Subject(rec.Kind()), body)
	if err != nil {
		return versioncas.Result{}, fmt.Errorf("nats request: %w", err)
	}
	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return versioncas.Result{}, fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != nil {
		return versioncas.Result{}, reply.Error.Err(rec.Kind(), rec.Key())
	}
	if reply.Result == nil {
		return versioncas.Result{}, fmt.Errorf("empty reply")
	}
	return *reply.Result, nil
}
