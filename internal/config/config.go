// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 校验配置间的隐性关联
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 主配置
type Config struct {
	Network  NetworkConfig  `yaml:"network"`
	Source   SourceConfig   `yaml:"source"`
	FEC      FECConfig      `yaml:"fec"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	LogLevel string         `yaml:"log_level"`
	LogFile  LogFileConfig  `yaml:"log_file"`
}

// NetworkConfig 组播网络配置
type NetworkConfig struct {
	Group     string `yaml:"group"`      // 组播组地址
	Port      int    `yaml:"port"`       // 目的端口 (dport)
	SPort     int    `yaml:"sport"`      // 源端口, 0 表示取进程号
	Interface string `yaml:"interface"`  // 出口网卡, 空用默认
	TTL       int    `yaml:"ttl"`        // 组播跳数
}

// SourceConfig 源端传输配置
type SourceConfig struct {
	MaxTPDU        int   `yaml:"max_tpdu"`
	TxwSqns        int   `yaml:"txw_sqns"`
	TxwSecs        int   `yaml:"txw_secs"`
	TxwMaxRte      int   `yaml:"txw_max_rte"`
	TxwPreallocate int   `yaml:"txw_preallocate"`
	AmbientSPMMs   int   `yaml:"ambient_spm_ms"`
	HeartbeatSPMMs []int `yaml:"heartbeat_spm_ms"`
	IHBMinMs       int   `yaml:"ihb_min_ms"`
}

// FECConfig Reed-Solomon 前向纠错配置
type FECConfig struct {
	Enabled         bool `yaml:"enabled"`
	N               int  `yaml:"n"`
	K               int  `yaml:"k"`
	OndemandParity  bool `yaml:"ondemand_parity"`
	ProactiveParity bool `yaml:"proactive_parity"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
	StatsFeedMs int    `yaml:"stats_feed_ms"`
}

// LogFileConfig 滚动日志文件配置
type LogFileConfig struct {
	Path       string `yaml:"path"` // 空则输出标准错误
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default 缺省配置
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			Group: "239.192.0.1",
			Port:  7500,
			TTL:   16,
		},
		Source: SourceConfig{
			MaxTPDU:      1500,
			TxwSqns:      1024,
			AmbientSPMMs: 30000,
			HeartbeatSPMMs: []int{
				100, 100, 250, 500, 1000, 2000,
			},
			IHBMinMs: 1000,
		},
		Metrics: MetricsConfig{
			Listen:     ":9602",
			Path:       "/metrics",
			HealthPath: "/health",
		},
		LogLevel: "info",
	}
}

// Load 读取并校验配置文件
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读配置失败: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验字段及其关联
func (c *Config) Validate() error {
	ip := net.ParseIP(c.Network.Group)
	if ip == nil || !ip.IsMulticast() {
		return fmt.Errorf("network.group 不是组播地址: %q", c.Network.Group)
	}
	if c.Network.Port <= 0 || c.Network.Port > 65535 {
		return fmt.Errorf("network.port 越界: %d", c.Network.Port)
	}
	if c.Network.SPort < 0 || c.Network.SPort > 65535 {
		return fmt.Errorf("network.sport 越界: %d", c.Network.SPort)
	}
	if c.Network.TTL < 0 || c.Network.TTL > 255 {
		return fmt.Errorf("network.ttl 越界: %d", c.Network.TTL)
	}

	if c.Source.MaxTPDU < 64 || c.Source.MaxTPDU > 65535 {
		return fmt.Errorf("source.max_tpdu 越界: %d", c.Source.MaxTPDU)
	}
	// 窗口要么显式给 sqns, 要么由 秒 × 速率 推导
	if c.Source.TxwSqns <= 0 {
		if c.Source.TxwSecs <= 0 || c.Source.TxwMaxRte <= 0 {
			return fmt.Errorf("txw_sqns 未设置时必须同时给 txw_secs 和 txw_max_rte")
		}
	}
	if c.Source.TxwSqns < 0 || int64(c.Source.TxwSqns) >= int64(1)<<31-1 {
		return fmt.Errorf("source.txw_sqns 越界: %d", c.Source.TxwSqns)
	}
	if c.Source.TxwSecs > 0 && c.Source.TxwMaxRte <= 0 {
		return fmt.Errorf("txw_secs 只在设置 txw_max_rte 时有效")
	}
	if c.Source.TxwPreallocate < 0 {
		return fmt.Errorf("source.txw_preallocate 越界: %d", c.Source.TxwPreallocate)
	}
	if c.Source.TxwSqns > 0 && c.Source.TxwPreallocate > c.Source.TxwSqns {
		return fmt.Errorf("txw_preallocate (%d) 不能超过 txw_sqns (%d)",
			c.Source.TxwPreallocate, c.Source.TxwSqns)
	}
	if c.Source.AmbientSPMMs <= 0 {
		return fmt.Errorf("source.ambient_spm_ms 必须为正: %d", c.Source.AmbientSPMMs)
	}
	for i, ms := range c.Source.HeartbeatSPMMs {
		if ms <= 0 {
			return fmt.Errorf("source.heartbeat_spm_ms[%d] 必须为正: %d", i, ms)
		}
	}

	if c.FEC.Enabled {
		if c.FEC.K <= 0 || c.FEC.N <= c.FEC.K || c.FEC.N > 255 {
			return fmt.Errorf("fec 参数非法 n=%d k=%d", c.FEC.N, c.FEC.K)
		}
		if c.FEC.K&(c.FEC.K-1) != 0 {
			return fmt.Errorf("fec.k 必须是 2 的幂: %d", c.FEC.K)
		}
		if !c.FEC.OndemandParity && !c.FEC.ProactiveParity {
			return fmt.Errorf("fec.enabled 但 ondemand/proactive 均未开启")
		}
	} else if c.FEC.OndemandParity || c.FEC.ProactiveParity {
		return fmt.Errorf("奇偶校验开关需要 fec.enabled")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.enabled 但未给 metrics.listen")
	}
	return nil
}

// AmbientSPM 常态 SPM 周期
func (c *SourceConfig) AmbientSPM() time.Duration {
	return time.Duration(c.AmbientSPMMs) * time.Millisecond
}

// HeartbeatSPM 心跳间隔序列
func (c *SourceConfig) HeartbeatSPM() []time.Duration {
	out := make([]time.Duration, 0, len(c.HeartbeatSPMMs))
	for _, ms := range c.HeartbeatSPMMs {
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out
}

// IHBMin SPMR 响应限频周期
func (c *SourceConfig) IHBMin() time.Duration {
	return time.Duration(c.IHBMinMs) * time.Millisecond
}
