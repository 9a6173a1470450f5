package coremain

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/tsein/mlog"
	"github.com/pmkol/tsein/pkg/cache"
	"github.com/pmkol/tsein/pkg/cache/redis_cache"
	"github.com/pmkol/tsein/pkg/connpool"
	"github.com/pmkol/tsein/pkg/resolver"
	"github.com/pmkol/tsein/pkg/safe_close"
	"github.com/pmkol/tsein/pkg/server"
	"github.com/pmkol/tsein/pkg/server/dns_handler"
	"github.com/pmkol/tsein/pkg/utils"
)

// Tsein owns every long lived component of the resolver process.
type Tsein struct {
	logger *zap.Logger

	pool     *connpool.Pool
	cache    *cache.Cache
	resolver *resolver.Resolver
	handler  *dns_handler.EntryHandler

	serversMu sync.Mutex
	servers   []*server.Server

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

// RunTsein starts the resolver described by cfg and blocks until it is
// stopped by a signal or a fatal server error.
func RunTsein(cfg *Config) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	m, err := NewTsein(cfg, lg)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		select {
		case sig := <-sigs:
			lg.Info("signal received, exiting", zap.Stringer("signal", sig))
			m.sc.SendCloseSignal(nil)
		case <-closeSignal:
		}
	})

	return m.Run(cfg)
}

// NewTsein builds the connection pool, the cache, the resolver and the
// entry handler. It does not listen on anything.
func NewTsein(cfg *Config, lg *zap.Logger) (_ *Tsein, err error) {
	cfg.init()
	mode, err := resolver.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	upstreams, err := cfg.upstreams(mode == resolver.ModeIterative)
	if err != nil {
		return nil, err
	}

	m := &Tsein{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	defer func() {
		if err != nil {
			m.closeCore()
		}
	}()

	m.pool = connpool.New(connpool.Opts{
		Logger:             lg.Named("pool"),
		FdBudget:           cfg.FdBudget,
		MaxPipeline:        cfg.MaxPipeline,
		IdleTimeout:        utils.SecToDuration(cfg.IdleTimeout),
		DialTimeout:        utils.SecToDuration(cfg.DialTimeout),
		DialRate:           cfg.DialRate,
		DialBurst:          cfg.DialBurst,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})

	var l2 cache.Backend
	if len(cfg.Redis) > 0 {
		rc, err := redis_cache.NewFromURL(cfg.Redis, time.Duration(cfg.RedisTimeout)*time.Millisecond, lg.Named("redis"))
		if err != nil {
			return nil, fmt.Errorf("failed to init redis cache, %w", err)
		}
		l2 = rc
	}
	m.cache = cache.New(cache.Opts{
		Logger:                 lg.Named("cache"),
		Capacity:               cfg.CacheCapacity,
		MinTTL:                 cfg.MinTTL,
		MaxTTL:                 cfg.MaxTTL,
		DisableNegativeCaching: cfg.DisableNegativeCaching,
		L2:                     l2,
	})

	m.resolver, err = resolver.New(resolver.Opts{
		Logger:            lg.Named("resolver"),
		Mode:              mode,
		Upstreams:         upstreams,
		MaxReferralDepth:  cfg.MaxReferralDepth,
		ResolutionTimeout: utils.SecToDuration(cfg.ResolutionTimeout),
		QueryTimeout:      utils.SecToDuration(cfg.UpstreamTimeout),
		Exchanger: &resolver.PoolExchanger{
			Pool:            m.pool,
			OneShotFallback: cfg.OneShotFallback,
			Logger:          lg.Named("exchanger"),
		},
		Cache: m.cache,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init resolver, %w", err)
	}

	m.handler, err = dns_handler.NewEntryHandler(dns_handler.EntryHandlerOpts{
		Logger:   lg,
		Resolver: m.resolver,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init entry handler, %w", err)
	}

	for prefix, r := range map[string]interface {
		RegMetricsTo(prometheus.Registerer) error
	}{
		"pool_":     m.pool,
		"cache_":    m.cache,
		"resolver_": m.resolver,
		"server_":   m.handler,
	} {
		if err := r.RegMetricsTo(prometheus.WrapRegistererWithPrefix(prefix, m.GetMetricsReg())); err != nil {
			return nil, fmt.Errorf("failed to register %smetrics, %w", prefix, err)
		}
	}

	lg.Info("resolver initialized",
		zap.Stringer("mode", mode),
		zap.Int("upstreams", len(upstreams)),
		zap.Int("fd_budget", cfg.FdBudget))
	return m, nil
}

// Run starts the servers and the api server of cfg and blocks until a
// close signal. Everything is closed when it returns.
func (m *Tsein) Run(cfg *Config) error {
	defer m.closeCore()

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if err := m.startAllServers(cfg.Servers); err != nil {
		m.sc.SendCloseSignal(err)
	}

	// Start http api server
	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: m.httpAPIMux,
		}
		m.logger.Info("starting api http server", zap.String("addr", httpAddr))
		m.sc.Serve(httpServer.ListenAndServe, func() { httpServer.Close() })
	}

	<-m.sc.ReceiveCloseSignal()
	m.sc.Done()
	m.sc.CloseWait()
	return m.sc.Err()
}

// Close stops a running Tsein and waits for Run to clean up.
func (m *Tsein) Close() {
	m.sc.CloseWait()
}

func (m *Tsein) startAllServers(servers []ServerConfig) error {
	if len(servers) == 0 {
		return errors.New("no server is configured")
	}
	for i := range servers {
		if len(servers[i].Listeners) == 0 {
			return fmt.Errorf("server #%d has no listener", i)
		}
	}
	g := new(errgroup.Group)
	for i := range servers {
		sc := &servers[i]
		for _, lc := range sc.Listeners {
			g.Go(func() error {
				if err := m.startListener(sc, lc); err != nil {
					return fmt.Errorf("failed to start %s server on %s, %w", lc.Protocol, lc.Addr, err)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

func (m *Tsein) startListener(sc *ServerConfig, lc *ServerListenerConfig) error {
	if len(lc.Addr) == 0 {
		return errors.New("no address to bind")
	}

	s := server.NewServer(server.ServerOpts{
		Logger:       m.logger,
		Handler:      m.handler,
		Pool:         m.pool,
		Cert:         lc.Cert,
		Key:          lc.Key,
		KernelRX:     lc.KernelRX,
		KernelTX:     lc.KernelTX,
		AllowedSNI:   lc.AllowedSNI,
		IdleTimeout:  utils.SecToDuration(lc.IdleTimeout),
		QueryTimeout: utils.SecToDuration(sc.Timeout),
	})

	var run func() error
	switch p := strings.ToLower(lc.Protocol); p {
	case "", "udp":
		c, err := net.ListenPacket("udp", lc.Addr)
		if err != nil {
			return err
		}
		run = func() error { return s.ServeUDP(c) }
	case "tcp", "dot", "tls":
		l, err := net.Listen("tcp", lc.Addr)
		if err != nil {
			return err
		}
		if lc.ProxyProtocol {
			l = server.WithProxyProtocol(l)
		}
		if p != "tcp" {
			tl, err := s.CreateETLSListener(l)
			if err != nil {
				l.Close()
				return err
			}
			l = tl
		}
		run = func() error { return s.ServeTCP(l) }
	default:
		return fmt.Errorf("unknown protocol: [%s]", lc.Protocol)
	}

	m.serversMu.Lock()
	m.servers = append(m.servers, s)
	m.serversMu.Unlock()

	m.logger.Info("server started", zap.String("protocol", lc.Protocol), zap.String("addr", lc.Addr))
	if !m.sc.Serve(func() error {
		err := run()
		return fmt.Errorf("server on %s exited, %w", lc.Addr, err)
	}, s.Close) {
		// Closed while starting.
		s.Close()
		_ = run()
	}
	return nil
}

// closeCore closes the servers left open and then the components they use.
func (m *Tsein) closeCore() {
	m.serversMu.Lock()
	servers := m.servers
	m.servers = nil
	m.serversMu.Unlock()
	for _, s := range servers {
		s.Close()
	}

	if m.pool != nil {
		m.pool.Close()
	}
	if m.cache != nil {
		if err := m.cache.Close(); err != nil {
			m.logger.Warn("failed to close cache", zap.Error(err))
		}
	}
}

func (m *Tsein) GetSafeClose() *safe_close.SafeClose {
	return m.sc
}

func (m *Tsein) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("tsein_", m.metricsReg)
}

func (m *Tsein) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
