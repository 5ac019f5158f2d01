// =============================================================================
// 文件: internal/config/config_test.go
// =============================================================================
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("缺省配置应合法: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	content := `
network:
  group: "239.1.2.3"
  port: 7600
  ttl: 8
source:
  max_tpdu: 1400
  txw_sqns: 512
  txw_max_rte: 250000
  ambient_spm_ms: 10000
  heartbeat_spm_ms: [100, 200]
fec:
  enabled: true
  n: 16
  k: 8
  ondemand_parity: true
metrics:
  enabled: true
  listen: ":9700"
log_level: debug
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Network.Group != "239.1.2.3" || cfg.Network.Port != 7600 {
		t.Errorf("network = %+v", cfg.Network)
	}
	if cfg.Source.TxwSqns != 512 {
		t.Errorf("txw_sqns = %d", cfg.Source.TxwSqns)
	}
	if !cfg.FEC.Enabled || cfg.FEC.N != 16 || cfg.FEC.K != 8 {
		t.Errorf("fec = %+v", cfg.FEC)
	}
	if len(cfg.Source.HeartbeatSPM()) != 2 {
		t.Errorf("heartbeat = %v", cfg.Source.HeartbeatSPM())
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantSub string
	}{
		{"非组播地址", func(c *Config) { c.Network.Group = "10.0.0.1" }, "组播"},
		{"端口越界", func(c *Config) { c.Network.Port = 70000 }, "port"},
		{"tpdu 过小", func(c *Config) { c.Source.MaxTPDU = 10 }, "max_tpdu"},
		{"窗口未定", func(c *Config) { c.Source.TxwSqns = 0 }, "txw_sqns"},
		{"secs 无速率", func(c *Config) {
			c.Source.TxwSecs = 30
			c.Source.TxwMaxRte = 0
		}, "txw_secs"},
		{"预分配超窗口", func(c *Config) { c.Source.TxwPreallocate = c.Source.TxwSqns + 1 }, "txw_preallocate"},
		{"心跳为零", func(c *Config) { c.Source.HeartbeatSPMMs = []int{100, 0} }, "heartbeat"},
		{"fec 参数", func(c *Config) {
			c.FEC.Enabled = true
			c.FEC.N = 8
			c.FEC.K = 8
			c.FEC.OndemandParity = true
		}, "fec"},
		{"k 非幂", func(c *Config) {
			c.FEC.Enabled = true
			c.FEC.N = 16
			c.FEC.K = 6
			c.FEC.OndemandParity = true
		}, "2 的幂"},
		{"奇偶无 fec", func(c *Config) { c.FEC.OndemandParity = true }, "fec.enabled"},
		{"metrics 无地址", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Listen = ""
		}, "metrics"},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: 应被拒绝", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.wantSub) {
			t.Errorf("%s: err = %v, 缺关键字 %q", tc.name, err, tc.wantSub)
		}
	}
}
