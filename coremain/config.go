package coremain

import (
	"fmt"

	"github.com/pmkol/tsein/mlog"
	"github.com/pmkol/tsein/pkg/connpool"
	"github.com/pmkol/tsein/pkg/utils"
)

type Config struct {
	Log     mlog.LogConfig `yaml:"log"`
	Include []string       `yaml:"include"`

	// Mode is "iterative" (default) or "forward".
	Mode string `yaml:"mode"`

	// UpstreamServers are the forwarders in forward mode and the seed
	// servers in iterative mode, as "host[:port]", "tcp://host[:port]"
	// or "tls://host[:port]". Iterative mode falls back to the root servers.
	UpstreamServers []string `yaml:"upstream_servers"`

	FdBudget           int     `yaml:"fd_budget"`
	MaxPipeline        int     `yaml:"max_pipeline"`
	IdleTimeout        uint    `yaml:"idle_timeout"` // (sec) upstream and client connections.
	DialTimeout        uint    `yaml:"dial_timeout"` // (sec)
	DialRate           float64 `yaml:"dial_rate"`    // dials per second, 0 is unlimited.
	DialBurst          int     `yaml:"dial_burst"`
	OneShotFallback    bool    `yaml:"one_shot_fallback"`
	InsecureSkipVerify bool    `yaml:"insecure_skip_verify"`

	CacheCapacity          int    `yaml:"cache_capacity"`
	MinTTL                 uint32 `yaml:"min_ttl"`
	MaxTTL                 uint32 `yaml:"max_ttl"`
	DisableNegativeCaching bool   `yaml:"disable_negative_caching"`
	Redis                  string `yaml:"redis"`         // redis url of the second level cache.
	RedisTimeout           uint   `yaml:"redis_timeout"` // (ms)

	MaxReferralDepth  int  `yaml:"max_referral_depth"`
	ResolutionTimeout uint `yaml:"resolution_timeout"` // (sec)
	UpstreamTimeout   uint `yaml:"upstream_timeout"`   // (sec) one query to one server.

	Servers []ServerConfig `yaml:"servers"`
	API     APIConfig      `yaml:"api"`
}

type ServerConfig struct {
	Timeout   uint                    `yaml:"timeout"` // (sec) query timeout.
	Listeners []*ServerListenerConfig `yaml:"listeners"`
}

type ServerListenerConfig struct {
	// Protocol: server protocol, can be:
	// "", "udp" -> udp
	// "tcp" -> tcp
	// "dot", "tls" -> dns over tls
	Protocol string `yaml:"protocol"`

	// Addr: server "host:port" addr. Addr cannot be empty.
	Addr string `yaml:"addr"`

	Cert          string `yaml:"cert"`           // certificate path, used by dot
	Key           string `yaml:"key"`            // certificate key path, used by dot
	KernelTX      bool   `yaml:"kernel_tx"`      // use kernel tls to send data
	KernelRX      bool   `yaml:"kernel_rx"`      // use kernel tls to receive data
	ProxyProtocol bool   `yaml:"proxy_protocol"` // accepting the PROXYProtocol
	AllowedSNI    string `yaml:"allowed_sni"`

	IdleTimeout uint `yaml:"idle_timeout"` // (sec) used by tcp, dot as connection idle timeout.
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

// Root server addresses used as seeds when none are configured.
var rootServers = []string{
	"198.41.0.4",     // a.root-servers.net
	"170.247.170.2",  // b.root-servers.net
	"192.33.4.12",    // c.root-servers.net
	"199.7.91.13",    // d.root-servers.net
	"192.203.230.10", // e.root-servers.net
	"192.5.5.241",    // f.root-servers.net
	"192.112.36.4",   // g.root-servers.net
	"198.97.190.53",  // h.root-servers.net
	"192.36.148.17",  // i.root-servers.net
	"192.58.128.30",  // j.root-servers.net
	"193.0.14.129",   // k.root-servers.net
	"199.7.83.42",    // l.root-servers.net
	"202.12.27.33",   // m.root-servers.net
}

func (c *Config) init() {
	utils.SetDefaultNum(&c.RedisTimeout, 50)
}

// upstreams parses UpstreamServers.
func (c *Config) upstreams(iterative bool) ([]connpool.Endpoint, error) {
	addrs := c.UpstreamServers
	if len(addrs) == 0 && iterative {
		addrs = rootServers
	}
	eps := make([]connpool.Endpoint, 0, len(addrs))
	for _, s := range addrs {
		ep, err := connpool.ParseEndpoint(s)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream server %q, %w", s, err)
		}
		eps = append(eps, ep)
	}
	return eps, nil
}
