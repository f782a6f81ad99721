package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"

	"stevedore/internal/daemon"
	"stevedore/internal/logging"
)

// ServiceName is the JSON-RPC service prefix.
const ServiceName = "Stevedore"

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer listens on path, replacing any stale socket file.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName(ServiceName, &service{daemon: d, logger: logger, ctx: serverCtx}); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// Serve starts accepting RPC connections until Close is called.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"),
				)
				continue
			}
			s.track(conn, true)
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer s.track(c, false)
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
		return
	}
	delete(s.conns, c)
}

// Close stops the server, drops open connections, and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	_ = s.listener.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"),
		)
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) Submit(req SubmitRequest, resp *SubmitResponse) error {
	s.logger.Debug("submit requested",
		logging.String(logging.FieldOperation, req.Operation),
		logging.String(logging.FieldPackageID, req.PackageID),
	)
	view, err := s.daemon.Submit(s.ctx, req)
	if err != nil {
		return err
	}
	resp.Item = view
	return nil
}

func (s *service) Describe(req DescribeRequest, resp *DescribeResponse) error {
	view, err := s.daemon.Describe(s.ctx, req.Handle)
	if err != nil {
		return err
	}
	resp.Item = view
	return nil
}

func (s *service) List(req ListRequest, resp *ListResponse) error {
	items, err := s.daemon.List(s.ctx, req.History)
	if err != nil {
		return err
	}
	resp.Items = items
	return nil
}

func (s *service) Cancel(req CancelRequest, resp *CancelResponse) error {
	if req.Queued {
		resp.Cancelled = s.daemon.CancelQueued(s.ctx)
		return nil
	}
	if req.Handle == "" {
		return errors.New("cancel requires a handle")
	}
	view, err := s.daemon.Cancel(s.ctx, req.Handle)
	if err != nil {
		return err
	}
	resp.Item = &view
	resp.Cancelled = 1
	s.logger.Info("item cancelled via IPC",
		logging.String(logging.FieldRequestID, view.Handle),
		logging.String(logging.FieldEventType, "ipc_cancel"),
	)
	return nil
}

func (s *service) Installed(_ InstalledRequest, resp *InstalledResponse) error {
	pkgs, err := s.daemon.Installed(s.ctx)
	if err != nil {
		return err
	}
	resp.Packages = pkgs
	return nil
}

func (s *service) Catalog(_ CatalogRequest, resp *CatalogResponse) error {
	manifests, err := s.daemon.Catalog(s.ctx)
	if err != nil {
		if len(manifests) == 0 {
			return err
		}
		resp.Warning = err.Error()
	}
	resp.Packages = make([]CatalogEntry, 0, len(manifests))
	for _, m := range manifests {
		resp.Packages = append(resp.Packages, CatalogEntry{
			PackageID: m.ID,
			SourceID:  m.Source,
			Name:      m.Name,
			Version:   m.Version,
			Publisher: m.Publisher,
		})
	}
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	*resp = s.daemon.Status(s.ctx)
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.logger.Info("daemon stop requested via IPC", logging.String(logging.FieldEventType, "daemon_stop"))
	s.daemon.RequestShutdown()
	resp.Stopping = true
	return nil
}
