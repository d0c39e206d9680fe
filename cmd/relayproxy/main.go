// Command relayproxy is a minimal, flag-configured driver around the
// root relay package: it owns the listener (spec.md §6's "Listener"
// collaborator) and hands each accepted connection to relay.Proxy. It
// is not a process supervisor; per spec.md §1/§5 Non-goals, worker
// lifecycle and CLI ergonomics beyond locating a config file are out
// of scope.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"github.com/relaycore/relay"
	"github.com/relaycore/relay/pkg/certauth"
	"github.com/relaycore/relay/pkg/config"
	"github.com/relaycore/relay/pkg/dialer"
	"github.com/relaycore/relay/pkg/logging"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("relayproxy", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file (spec.md §6)")
	bindOverride := fs.String("hostname", "", "override the config file's hostname")
	devLog := fs.Bool("dev-log", false, "use zap's development logging preset")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "relayproxy: -config is required")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayproxy: loading config: %v\n", err)
		return 1
	}
	if *bindOverride != "" {
		cfg.Hostname = *bindOverride
	}

	logger, err := logging.New(logging.Options{Development: *devLog})
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayproxy: building logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	minTLS, maxTLS, cipherSuites, err := cfg.ResolveTLSProfile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayproxy: %v\n", err)
		return 1
	}
	if versionName, deprecated := cfg.WarnIfDeprecatedProfile(); deprecated {
		logger.Warn("tls_profile negotiates a deprecated minimum version",
			zap.String("tls_profile", cfg.TLSProfile), zap.String("min_version", versionName))
	}

	proxyCfg := relay.Config{
		IdleTimeout:   cfg.IdleTimeout,
		ConnTimeout:   cfg.ConnTimeout,
		ReadTimeout:   cfg.ReadTimeout,
		MinTLSVersion: minTLS,
		MaxTLSVersion: maxTLS,
		CipherSuites:  cipherSuites,
		Logger:        logger,
	}

	if cfg.CA.Enabled() {
		ca, err := certauth.Load(certauth.Config{
			CertFile:       cfg.CA.CertFile,
			KeyFile:        cfg.CA.KeyFile,
			SigningKeyFile: cfg.CA.SigningKeyFile,
			CacheDir:       cfg.CA.CacheDir,
		})
		if err != nil {
			logger.Error("loading CA for TLS interception", zap.Error(err))
			return 1
		}
		proxyCfg.CA = ca
	}

	if cfg.UpstreamProxy != nil {
		proxyCfg.UpstreamProxy = &dialer.ProxyConfig{
			Type:     cfg.UpstreamProxy.Type,
			Host:     cfg.UpstreamProxy.Host,
			Port:     cfg.UpstreamProxy.Port,
			Username: cfg.UpstreamProxy.Username,
			Password: cfg.UpstreamProxy.Password,
		}
	}

	ln, err := listen(cfg)
	if err != nil {
		logger.Error("starting listener", zap.Error(err))
		return 2
	}
	defer ln.Close()
	if cfg.UnixSocketPath != "" {
		defer os.Remove(cfg.UnixSocketPath)
	}

	logger.Info("relayproxy listening",
		zap.String("address", ln.Addr().String()),
		zap.Bool("tls_interception", proxyCfg.CA != nil))

	proxy := relay.New(proxyCfg)
	serve(context.Background(), ln, proxy, logger)
	return 0
}

// listen binds per cfg.Family(): AF_UNIX when unix_socket_path is set,
// else TCP with SO_REUSEADDR applied via Control, matching spec.md §6
// ("binds AF_INET/AF_INET6/AF_UNIX per configuration, sets
// SO_REUSEADDR and TCP_NODELAY"). TCP_NODELAY is applied per accepted
// connection in serve, since it is a connection option, not a listener
// option.
func listen(cfg *config.Config) (net.Listener, error) {
	family := cfg.Family()
	if family == config.AFUnix {
		return net.Listen("unix", cfg.UnixSocketPath)
	}
	network := "tcp4"
	if family == config.AFInet6 {
		network = "tcp6"
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	addr := net.JoinHostPort(cfg.Hostname, fmt.Sprint(cfg.Port))
	return lc.Listen(context.Background(), network, addr)
}

// serve accepts connections until ln is closed, handing each to proxy
// in its own goroutine (one Work per connection, per DESIGN.md's Open
// Question 3 resolution).
func serve(ctx context.Context, ln net.Listener, proxy *relay.Proxy, logger *zap.Logger) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var nextID int64
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logger.Warn("accept failed", zap.Error(err))
			continue
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		id := atomic.AddInt64(&nextID, 1)
		go proxy.ServeConn(ctx, conn, fmt.Sprintf("work-%d", id))
	}
}
