package coremain

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/tsein/pkg/connpool"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadConfigWithInclude(t *testing.T) {
	dir := t.TempDir()
	sub := writeFile(t, dir, "sub.yaml", `
upstream_servers:
  - tls://dns.example:853
servers:
  - listeners:
      - protocol: tcp
        addr: 127.0.0.1:5353
`)
	mainFile := writeFile(t, dir, "config.yaml", `
include:
  - `+sub+`
mode: forward
fd_budget: 256
cache_capacity: "2048"
max_ttl: 300
upstream_servers:
  - 192.0.2.1
servers:
  - timeout: 3
    listeners:
      - addr: 127.0.0.1:5353
`)

	cfg, err := loadConfigWithInclude(mainFile)
	require.NoError(t, err)
	assert.Equal(t, "forward", cfg.Mode)
	assert.Equal(t, 256, cfg.FdBudget)
	assert.Equal(t, 2048, cfg.CacheCapacity)
	assert.Equal(t, uint32(300), cfg.MaxTTL)
	assert.Equal(t, []string{"tls://dns.example:853", "192.0.2.1"}, cfg.UpstreamServers)
	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, "tcp", cfg.Servers[0].Listeners[0].Protocol)
	assert.Equal(t, uint(3), cfg.Servers[1].Timeout)

	eps, err := cfg.upstreams(false)
	require.NoError(t, err)
	assert.Equal(t, connpool.Endpoint{Addr: "dns.example:853", Transport: connpool.TransportTLS, ServerName: "dns.example"}, eps[0])
	assert.Equal(t, connpool.Endpoint{Addr: "192.0.2.1:53"}, eps[1])

	var buf bytes.Buffer
	require.NoError(t, yaml.NewEncoder(&buf).Encode(cfg))
	assert.Contains(t, buf.String(), "fd_budget: 256")
}

func TestLoadConfig_unknownKey(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", "fd_budgt: 10\n")
	_, err := loadConfigWithInclude(p)
	assert.Error(t, err)
}

func TestMergeInclude_depthLimit(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "loop.yaml")
	writeFile(t, dir, "loop.yaml", "include:\n  - "+p+"\n")
	_, err := loadConfigWithInclude(p)
	assert.ErrorContains(t, err, "maximum include depth")
}

func TestConfig_rootServersByDefault(t *testing.T) {
	cfg := new(Config)
	eps, err := cfg.upstreams(true)
	require.NoError(t, err)
	assert.Len(t, eps, len(rootServers))

	eps, err = cfg.upstreams(false)
	require.NoError(t, err)
	assert.Empty(t, eps)
}

func TestNewTsein(t *testing.T) {
	cfg := &Config{Mode: "forward", UpstreamServers: []string{"192.0.2.1"}}
	m, err := NewTsein(cfg, zap.NewNop())
	require.NoError(t, err)
	defer m.closeCore()

	_, err = NewTsein(&Config{Mode: "forward"}, zap.NewNop())
	assert.Error(t, err)
	_, err = NewTsein(&Config{Mode: "bogus"}, zap.NewNop())
	assert.Error(t, err)
}
