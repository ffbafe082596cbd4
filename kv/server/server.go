package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage/partition"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/coordinator"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/router"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/tso"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const closeTimeout = 3 * time.Second

// Server assembles the partitions, the timestamp allocator and the
// transaction coordinator of one process, and serves their status over HTTP.
type Server struct {
	cfg         *config.Config
	tso         *tso.Allocator
	router      *router.Router
	partitions  []*partition.Partition
	coordinator *coordinator.Coordinator

	statusServer *http.Server
	statusAddr   string
	running      atomic.Bool
}

// NewServer creates a server from a validated configuration.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotate(err, "invalid config")
	}
	s := &Server{
		cfg:    cfg,
		tso:    tso.NewAllocator(),
		router: router.New(cfg.Partition.Count),
	}
	parts := make([]coordinator.Partition, 0, cfg.Partition.Count)
	for id := uint64(0); id < cfg.Partition.Count; id++ {
		p := partition.New(id, cfg.Partition.BTreeDegree, uint64(cfg.Partition.MemoryQuota))
		s.partitions = append(s.partitions, p)
		parts = append(parts, p)
	}
	s.coordinator = coordinator.NewCoordinator(cfg, s.tso, s.router, parts)
	return s, nil
}

// Run starts the background workers and, when a status address is
// configured, the status server. It does not block.
func (s *Server) Run() error {
	if s.running.Swap(true) {
		return errors.New("server is already running")
	}
	s.coordinator.Start()
	if s.cfg.StatusAddr != "" {
		l, err := net.Listen("tcp", s.cfg.StatusAddr)
		if err != nil {
			s.coordinator.Stop()
			s.running.Store(false)
			return errors.Annotatef(err, "listen on %s", s.cfg.StatusAddr)
		}
		s.statusAddr = l.Addr().String()
		s.statusServer = &http.Server{Handler: newStatusHandler(s)}
		go func() {
			if err := s.statusServer.Serve(l); err != nil && err != http.ErrServerClosed {
				log.Error("status server stopped", zap.Error(err))
			}
		}()
	}
	log.Info("tinytxn server started",
		zap.String("name", s.cfg.Name),
		zap.String("status-addr", s.statusAddr),
		zap.Uint64("partitions", s.cfg.Partition.Count),
		zap.Duration("txn-timeout", s.cfg.Txn.Timeout.Duration))
	return nil
}

// Close stops the status server and the background workers.
func (s *Server) Close() {
	if !s.running.Swap(false) {
		return
	}
	if s.statusServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := s.statusServer.Shutdown(ctx); err != nil {
			log.Warn("shutdown status server failed", zap.Error(err))
		}
		cancel()
	}
	s.coordinator.Stop()
	log.Info("tinytxn server closed", zap.String("name", s.cfg.Name))
}

// Config returns the configuration the server was created with.
func (s *Server) Config() *config.Config {
	return s.cfg
}

// Coordinator returns the transaction coordinator of the server.
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coordinator
}

// Partitions returns the partitions, indexed by partition id.
func (s *Server) Partitions() []*partition.Partition {
	return s.partitions
}

// StatusAddr returns the address the status server listens on, empty when
// it is not running.
func (s *Server) StatusAddr() string {
	return s.statusAddr
}
