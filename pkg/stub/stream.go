package stub

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"

	"github.com/rexliu/evolink/pkg/transport"
)

// ServeStream accepts length-prefixed connections on a unix or tcp socket.
// Frames use the same envelope as the WebSocket endpoint.
func (s *Server) ServeStream(ctx context.Context, network, address string) (net.Addr, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ln.Close()
		return nil, errors.New("server stopped")
	}
	s.streamLns = append(s.streamLns, ln)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	}()
	s.logger.Info("stream endpoint listening", zap.String("network", network), zap.String("addr", ln.Addr().String()))
	return ln.Addr(), nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isStopped() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		go s.handleStream(ctx, conn)
	}
}

func (s *Server) handleStream(ctx context.Context, conn net.Conn) {
	client := s.hub.register()
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.hub.unregister(client)
		conn.Close()
	}()

	go func() {
		for {
			select {
			case <-client.done:
				conn.Close()
				return
			case <-ctx.Done():
				conn.Close()
				return
			case payload := <-client.send:
				if err := transport.WriteFrame(conn, payload); err != nil {
					s.logger.Debug("stream write failed", zap.Error(err))
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		frame, err := transport.ReadFrame(conn)
		if err != nil {
			return
		}
		s.dispatch(ctx, client, frame)
	}
}

func (s *Server) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}
