package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/kfcemployee/fileserver/server/engine"
	"github.com/kfcemployee/fileserver/server/protocol"
	"github.com/rs/zerolog"
)

const (
	DefaultAddr       = "0.0.0.0:8080"
	DefaultQueueDepth = 10000
	DefaultMaxConns   = 65536
)

// Config of a Server, zero fields take the defaults
type Config struct {
	Addr string // ipv4 host:port, port 0 picks a free one
	Root string // document root

	Workers    int // runtime.NumCPU() by default
	QueueDepth int
	MaxConns   int

	Resource any // opaque handle (db pool...) given to every worker call
	Logger   *zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Root == "" {
		c.Root = "."
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// Server is a static file server: epoll engine + HTTP/1.1 GET protocol
type Server struct {
	eng *engine.Engine
	prs *protocol.HTTPParser
	log zerolog.Logger
}

// New binds the listener and starts the workers, Run serves
func New(cfg Config) (*Server, error) {
	cfg.setDefaults()

	ip, port, err := parseAddr(cfg.Addr)
	if err != nil {
		return nil, err
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("root %q: %w", cfg.Root, err)
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("root %q: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("root %q: not a directory", root)
	}

	prs, err := protocol.NewHTTPParser(root)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger.With().Str("component", "server").Logger()
	eng, err := engine.New(engine.Config{
		Addr:       ip,
		Port:       port,
		Workers:    cfg.Workers,
		QueueDepth: cfg.QueueDepth,
		MaxConns:   cfg.MaxConns,
		Resource:   cfg.Resource,
		Logger:     cfg.Logger.With().Str("component", "engine").Logger(),
	}, prs.Process)
	if err != nil {
		return nil, err
	}

	log.Info().Str("root", root).Int("workers", cfg.Workers).Msg("server ready")
	return &Server{eng: eng, prs: prs, log: log}, nil
}

// Run serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	return s.eng.Run(ctx)
}

// Addr is the bound listener address
func (s *Server) Addr() string {
	return s.eng.Addr()
}

func (s *Server) OpenConns() int64 {
	return s.eng.OpenConns()
}

var errNotIPv4 = errors.New("only ipv4 listen addresses are supported")

// "host:port" to the engine form, empty host means all interfaces
func parseAddr(addr string) ([4]byte, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return [4]byte{}, 0, fmt.Errorf("addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 0 || port > 65535 {
		return [4]byte{}, 0, fmt.Errorf("addr %q: bad port", addr)
	}
	if host == "" {
		return [4]byte{}, port, nil
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return [4]byte{}, 0, fmt.Errorf("addr %q: %w", addr, err)
	}
	if !ip.Is4() {
		return [4]byte{}, 0, fmt.Errorf("addr %q: %w", addr, errNotIPv4)
	}
	return ip.As4(), port, nil
}
