package service

import (
	"context"

	"connectrpc.com/connect"
)

// Client calls VetoService over the connect protocol.
type Client struct {
	createSession      *connect.Client[CreateSessionRequest, SessionResponse]
	startSession       *connect.Client[SessionRequest, SessionResponse]
	submitAction       *connect.Client[SubmitActionRequest, SessionResponse]
	abortSession       *connect.Client[AbortSessionRequest, SessionResponse]
	getSession         *connect.Client[SessionRequest, SessionResponse]
	getActionLog       *connect.Client[SessionRequest, ActionLogResponse]
	verifySession      *connect.Client[SessionRequest, VerifySessionResponse]
	listActiveSessions *connect.Client[ListActiveSessionsRequest, ListActiveSessionsResponse]
}

func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return &Client{
		createSession:      connect.NewClient[CreateSessionRequest, SessionResponse](httpClient, baseURL+CreateSessionProcedure, opts...),
		startSession:       connect.NewClient[SessionRequest, SessionResponse](httpClient, baseURL+StartSessionProcedure, opts...),
		submitAction:       connect.NewClient[SubmitActionRequest, SessionResponse](httpClient, baseURL+SubmitActionProcedure, opts...),
		abortSession:       connect.NewClient[AbortSessionRequest, SessionResponse](httpClient, baseURL+AbortSessionProcedure, opts...),
		getSession:         connect.NewClient[SessionRequest, SessionResponse](httpClient, baseURL+GetSessionProcedure, opts...),
		getActionLog:       connect.NewClient[SessionRequest, ActionLogResponse](httpClient, baseURL+GetActionLogProcedure, opts...),
		verifySession:      connect.NewClient[SessionRequest, VerifySessionResponse](httpClient, baseURL+VerifySessionProcedure, opts...),
		listActiveSessions: connect.NewClient[ListActiveSessionsRequest, ListActiveSessionsResponse](httpClient, baseURL+ListActiveSessionsProcedure, opts...),
	}
}

func (c *Client) CreateSession(ctx context.Context, req *connect.Request[CreateSessionRequest]) (*connect.Response[SessionResponse], error) {
	return c.createSession.CallUnary(ctx, req)
}

func (c *Client) StartSession(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[SessionResponse], error) {
	return c.startSession.CallUnary(ctx, req)
}

func (c *Client) SubmitAction(ctx context.Context, req *connect.Request[SubmitActionRequest]) (*connect.Response[SessionResponse], error) {
	return c.submitAction.CallUnary(ctx, req)
}

func (c *Client) AbortSession(ctx context.Context, req *connect.Request[AbortSessionRequest]) (*connect.Response[SessionResponse], error) {
	return c.abortSession.CallUnary(ctx, req)
}

func (c *Client) GetSession(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[SessionResponse], error) {
	return c.getSession.CallUnary(ctx, req)
}

func (c *Client) GetActionLog(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[ActionLogResponse], error) {
	return c.getActionLog.CallUnary(ctx, req)
}

func (c *Client) VerifySession(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[VerifySessionResponse], error) {
	return c.verifySession.CallUnary(ctx, req)
}

func (c *Client) ListActiveSessions(ctx context.Context, req *connect.Request[ListActiveSessionsRequest]) (*connect.Response[ListActiveSessionsResponse], error) {
	return c.listActiveSessions.CallUnary(ctx, req)
}
