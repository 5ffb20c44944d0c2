// Package service exposes the coordinator as veto.v1.VetoService over the
// connect protocol, with JSON messages instead of generated protobufs.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/veto"
	"github.com/mcdev12/veto/go/internal/veto/coordinator"
	"github.com/mcdev12/veto/go/internal/veto/validator"
)

const VetoServiceName = "veto.v1.VetoService"

const (
	CreateSessionProcedure      = "/veto.v1.VetoService/CreateSession"
	StartSessionProcedure       = "/veto.v1.VetoService/StartSession"
	SubmitActionProcedure       = "/veto.v1.VetoService/SubmitAction"
	AbortSessionProcedure       = "/veto.v1.VetoService/AbortSession"
	GetSessionProcedure         = "/veto.v1.VetoService/GetSession"
	GetActionLogProcedure       = "/veto.v1.VetoService/GetActionLog"
	VerifySessionProcedure      = "/veto.v1.VetoService/VerifySession"
	ListActiveSessionsProcedure = "/veto.v1.VetoService/ListActiveSessions"
)

const maxListLimit = 500

// Engine is what the service needs from the coordinator.
type Engine interface {
	Create(ctx context.Context, req coordinator.CreateRequest) (models.VetoSession, error)
	Start(ctx context.Context, id uuid.UUID) (models.VetoSession, error)
	SubmitAction(ctx context.Context, id uuid.UUID, actor models.Actor, a models.Action) (models.VetoSession, error)
	Abort(ctx context.Context, id uuid.UUID, reason string) (models.VetoSession, error)
	GetState(ctx context.Context, id uuid.UUID) (models.VetoSession, error)
	Actions(ctx context.Context, id uuid.UUID) ([]models.ResolvedAction, error)
	Verify(ctx context.Context, id uuid.UUID) error
	ListActive(ctx context.Context, limit int) ([]models.VetoSession, error)
}

// ActorResolver turns a bearer token into an actor.
type ActorResolver interface {
	Resolve(ctx context.Context, token string) (models.Actor, error)
}

// Service implements VetoService.
type Service struct {
	engine    Engine
	validator *validator.Validator
}

func NewService(engine Engine) *Service {
	return &Service{engine: engine, validator: validator.New()}
}

type actorKey struct{}

func withActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor attached by the auth interceptor.
func ActorFrom(ctx context.Context) models.Actor {
	if a, ok := ctx.Value(actorKey{}).(models.Actor); ok {
		return a
	}
	return models.Anonymous
}

// NewAuthInterceptor resolves the Authorization header of every request.
func NewAuthInterceptor(resolver ActorResolver) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if req.Spec().IsClient {
				return next(ctx, req)
			}
			token, _ := strings.CutPrefix(req.Header().Get("Authorization"), "Bearer ")
			actor, err := resolver.Resolve(ctx, strings.TrimSpace(token))
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}
			return next(withActor(ctx, actor), req)
		}
	}
}

// NewHandler builds the HTTP handler for the service, mounted at the
// returned path.
func NewHandler(svc *Service, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	handlers := map[string]http.Handler{
		CreateSessionProcedure:      connect.NewUnaryHandler(CreateSessionProcedure, svc.CreateSession, opts...),
		StartSessionProcedure:       connect.NewUnaryHandler(StartSessionProcedure, svc.StartSession, opts...),
		SubmitActionProcedure:       connect.NewUnaryHandler(SubmitActionProcedure, svc.SubmitAction, opts...),
		AbortSessionProcedure:       connect.NewUnaryHandler(AbortSessionProcedure, svc.AbortSession, opts...),
		GetSessionProcedure:         connect.NewUnaryHandler(GetSessionProcedure, svc.GetSession, opts...),
		GetActionLogProcedure:       connect.NewUnaryHandler(GetActionLogProcedure, svc.GetActionLog, opts...),
		VerifySessionProcedure:      connect.NewUnaryHandler(VerifySessionProcedure, svc.VerifySession, opts...),
		ListActiveSessionsProcedure: connect.NewUnaryHandler(ListActiveSessionsProcedure, svc.ListActiveSessions, opts...),
	}
	return "/" + VetoServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func parseSessionID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, toConnectError(fmt.Errorf("%w: invalid session_id %q", veto.ErrInvalidRequest, raw))
	}
	return id, nil
}

func (s *Service) requireAdmin(ctx context.Context) error {
	if err := s.validator.AuthorizeAdmin(ActorFrom(ctx)); err != nil {
		return toConnectError(err)
	}
	return nil
}

func sessionResponse(sess models.VetoSession) *connect.Response[SessionResponse] {
	return connect.NewResponse(&SessionResponse{Session: sess})
}

// CreateSession creates a session and optionally starts it. Admin only.
func (s *Service) CreateSession(ctx context.Context, req *connect.Request[CreateSessionRequest]) (*connect.Response[SessionResponse], error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	var id uuid.UUID
	if req.Msg.SessionID != "" {
		var err error
		if id, err = parseSessionID(req.Msg.SessionID); err != nil {
			return nil, err
		}
	}

	sess, err := s.engine.Create(ctx, coordinator.CreateRequest{
		SessionID: id,
		MatchRef:  req.Msg.MatchRef,
		TeamAID:   req.Msg.TeamAID,
		TeamBID:   req.Msg.TeamBID,
		Ruleset:   req.Msg.Ruleset,
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	if req.Msg.Start {
		if sess, err = s.engine.Start(ctx, sess.ID); err != nil {
			return nil, toConnectError(err)
		}
	}
	return sessionResponse(sess), nil
}

// StartSession moves a NOT_STARTED session to its first turn. Admin only.
func (s *Service) StartSession(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[SessionResponse], error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	id, err := parseSessionID(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	sess, err := s.engine.Start(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}
	return sessionResponse(sess), nil
}

// SubmitAction resolves the current turn for the caller's team.
func (s *Service) SubmitAction(ctx context.Context, req *connect.Request[SubmitActionRequest]) (*connect.Response[SessionResponse], error) {
	id, err := parseSessionID(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	sess, err := s.engine.SubmitAction(ctx, id, ActorFrom(ctx), models.Action{
		Side:  req.Msg.ActingSide,
		Kind:  req.Msg.ActionKind,
		MapID: req.Msg.MapID,
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return sessionResponse(sess), nil
}

// AbortSession ends a session without a result. Admin only.
func (s *Service) AbortSession(ctx context.Context, req *connect.Request[AbortSessionRequest]) (*connect.Response[SessionResponse], error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	id, err := parseSessionID(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	sess, err := s.engine.Abort(ctx, id, req.Msg.Reason)
	if err != nil {
		return nil, toConnectError(err)
	}
	return sessionResponse(sess), nil
}

func (s *Service) GetSession(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[SessionResponse], error) {
	id, err := parseSessionID(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	sess, err := s.engine.GetState(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}
	return sessionResponse(sess), nil
}

func (s *Service) GetActionLog(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[ActionLogResponse], error) {
	id, err := parseSessionID(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	actions, err := s.engine.Actions(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}
	if actions == nil {
		actions = []models.ResolvedAction{}
	}
	return connect.NewResponse(&ActionLogResponse{SessionID: id.String(), Actions: actions}), nil
}

// VerifySession replays the action log against the stored snapshot. Admin only.
func (s *Service) VerifySession(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[VerifySessionResponse], error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	id, err := parseSessionID(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	resp := &VerifySessionResponse{SessionID: id.String(), Consistent: true}
	if err := s.engine.Verify(ctx, id); err != nil {
		if !errors.Is(err, veto.ErrReplayMismatch) {
			return nil, toConnectError(err)
		}
		resp.Consistent = false
		resp.Detail = err.Error()
	}
	return connect.NewResponse(resp), nil
}

func (s *Service) ListActiveSessions(ctx context.Context, req *connect.Request[ListActiveSessionsRequest]) (*connect.Response[ListActiveSessionsResponse], error) {
	limit := req.Msg.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	sessions, err := s.engine.ListActive(ctx, limit)
	if err != nil {
		return nil, toConnectError(err)
	}
	if sessions == nil {
		sessions = []models.VetoSession{}
	}
	return connect.NewResponse(&ListActiveSessionsResponse{Sessions: sessions}), nil
}
