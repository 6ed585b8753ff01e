package server

import (
	"context"

	"go.uber.org/zap"

	"hostbridge/handler"
	"hostbridge/message"
	"hostbridge/relay"
)

// Target of the calls that manage the connection itself.
const ClientTarget = "Client"

// InitializeArgs is the handshake an application sends right after connecting.
type InitializeArgs struct {
	ClientProcessID int `json:"clientProcessId"`
	// ClientMessageWindowHandle, when set, receives WindowMessageID after every frame the host writes.
	ClientMessageWindowHandle uint64 `json:"clientMessageWindowHandle,omitempty"`
	WindowMessageID           uint32 `json:"windowMessageId,omitempty"`
}

func (s *Server) registerClientRoutes() {
	// Both routes are built in and cannot collide on a fresh table.
	_ = s.Handle(ClientTarget, "Initialize", s.handleInitialize)
	_ = s.Handle(ClientTarget, "Ping", func(ctx context.Context, req *handler.Request) *message.Reply {
		return req.OK("pong")
	})
}

func (s *Server) handleInitialize(ctx context.Context, req *handler.Request) *message.Reply {
	var args InitializeArgs
	if err := req.Bind(&args); err != nil {
		return req.Fail(err)
	}
	if err := s.relay.Initialize(args.ClientProcessID); err != nil {
		s.logger.Warn("handle relay handshake failed", zap.Int("pid", args.ClientProcessID), zap.Error(err))
		return req.Fail(err)
	}
	s.notifier.Set(relay.NewWindowNotifier(uintptr(args.ClientMessageWindowHandle), args.WindowMessageID))
	s.logger.Info("application initialized",
		zap.Int("pid", args.ClientProcessID),
		zap.Bool("windowNotify", args.ClientMessageWindowHandle != 0),
	)
	return req.OK(true)
}
