package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pithecene-io/circuitd/loader"
	"github.com/pithecene-io/circuitd/rpc"
	"github.com/pithecene-io/circuitd/transfer"
	"github.com/pithecene-io/circuitd/types"
)

// releaseTimeout bounds the close notice sent to the UI after an
// unanswered confirmation.
const releaseTimeout = time.Second

func (s *Service) routes() {
	s.mux.Handle(MethodPing, rpc.Unary(s.ping))
	s.mux.Handle(MethodEvent, rpc.Unary(s.event))
	s.mux.Handle(MethodCircuitsAdd, rpc.Unary(s.circuitsAdd))
	s.mux.Handle(MethodCircuitsGet, rpc.Unary(s.circuitsGet))
	s.mux.Handle(MethodCircuitsList, rpc.Unary(s.circuitsList))
	s.mux.Handle(MethodCircuitsClear, rpc.Unary(s.circuitsClear))
	s.mux.Handle(MethodFilesDownloaded, rpc.Unary(s.filesDownloaded))
	s.mux.Handle(MethodFilesLoad, rpc.Streaming(s.filesLoad))
	s.mux.Handle(MethodFilesInvalidate, rpc.Unary(s.filesInvalidate))
	s.mux.Handle(MethodUIRegister, rpc.Unary(s.uiRegister))
	s.mux.Handle(MethodConfirmRequest, rpc.Unary(s.confirmRequest))
}

func bind(req *rpc.Request, v any) error {
	if err := req.Bind(v); err != nil {
		return rpc.NewError(CodeInvalid, "%s: %v", req.Method, err)
	}
	return nil
}

func (s *Service) ping(_ context.Context, req *rpc.Request) (any, error) {
	var payload any
	if err := bind(req, &payload); err != nil {
		return nil, err
	}
	return fmt.Sprintf("received %v, pong you back", payload), nil
}

func (s *Service) event(ctx context.Context, req *rpc.Request) (any, error) {
	var b types.Broadcast
	if err := bind(req, &b); err != nil {
		return nil, err
	}
	if b.Name == "" {
		return nil, rpc.NewError(CodeInvalid, "event name is required")
	}
	return s.Broadcast(ctx, b.Name, b.Args), nil
}

func (s *Service) circuitsAdd(_ context.Context, req *rpc.Request) (any, error) {
	var c types.Circuit
	if err := bind(req, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, rpc.NewError(CodeInvalid, "%v", err)
	}
	started, err := s.start(c)
	if err != nil {
		return nil, err
	}
	current, _ := s.coord.Registry().Get(c.Name)
	return AddResponse{Started: started, Circuit: current}, nil
}

func (s *Service) circuitsGet(_ context.Context, req *rpc.Request) (any, error) {
	var r NameRequest
	if err := bind(req, &r); err != nil {
		return nil, err
	}
	c, ok := s.coord.Registry().Get(r.Name)
	if !ok {
		return nil, rpc.NewError(CodeNotFound, "circuit %q not found", r.Name)
	}
	return c, nil
}

func (s *Service) circuitsList(context.Context, *rpc.Request) (any, error) {
	return s.coord.Registry().List(), nil
}

func (s *Service) circuitsClear(context.Context, *rpc.Request) (any, error) {
	s.coord.Clear()
	return true, nil
}

// fileLoader resolves a request to a fresh loader for one circuit file.
func (s *Service) fileLoader(req *rpc.Request) (*loader.Loader, error) {
	var r FileRequest
	if err := bind(req, &r); err != nil {
		return nil, err
	}
	kind, err := types.ParseFileKind(string(r.File))
	if err != nil {
		return nil, rpc.NewError(CodeInvalid, "%v", err)
	}
	l, err := s.coord.Loader(r.Circuit, kind, loader.Options{})
	if errors.Is(err, transfer.ErrUnknownCircuit) {
		return nil, rpc.NewError(CodeNotFound, "circuit %q not found", r.Circuit)
	}
	return l, err
}

func (s *Service) filesDownloaded(ctx context.Context, req *rpc.Request) (any, error) {
	l, err := s.fileLoader(req)
	if err != nil {
		return nil, err
	}
	return l.IsDownloaded(ctx)
}

func (s *Service) filesLoad(ctx context.Context, req *rpc.Request, send func([]byte) error) error {
	l, err := s.fileLoader(req)
	if err != nil {
		return err
	}
	defer l.Cancel()

	stream, err := l.Stream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		chunk, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := send(chunk.Data); err != nil {
			return err
		}
	}
}

func (s *Service) filesInvalidate(ctx context.Context, req *rpc.Request) (any, error) {
	l, err := s.fileLoader(req)
	if err != nil {
		return nil, err
	}
	if err := l.Invalidate(ctx); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Service) uiRegister(_ context.Context, req *rpc.Request) (any, error) {
	s.setUI(req.Peer)
	s.logger.Info("ui registered", map[string]any{"peer": req.Peer.Name()})
	return true, nil
}

// confirmRequest relays a confirmation to the UI. An unanswered prompt
// is closed and counts as declined.
func (s *Service) confirmRequest(ctx context.Context, req *rpc.Request) (any, error) {
	var r ConfirmRequest
	if err := bind(req, &r); err != nil {
		return nil, err
	}
	ui, ok := s.UI()
	if !ok {
		return nil, rpc.NewError(CodeNoUI, "no ui registered to confirm %q", r.Title)
	}
	if r.Origin == "" {
		r.Origin = req.Peer.Name()
	}

	return ui.Confirm(ctx, MethodUIConfirm, r, rpc.ConfirmOptions{
		Timeout: s.confirmTimeout,
		Release: func() {
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := ui.Notify(rctx, MethodUIClose, r); err != nil {
				s.logger.Debug("ui close notice not delivered", map[string]any{"error": err.Error()})
			}
		},
	})
}
