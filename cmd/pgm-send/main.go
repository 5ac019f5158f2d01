// =============================================================================
// 文件: cmd/pgm-send/main.go
// 描述: 主程序入口 - PGM 源端守护进程, 标准输入逐行发布
// =============================================================================
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mrcgq/gopgm/internal/config"
	"github.com/mrcgq/gopgm/internal/logging"
	"github.com/mrcgq/gopgm/internal/metrics"
	"github.com/mrcgq/gopgm/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	startTime = time.Now()
)

func main() {
	configPath := flag.String("c", "config.yaml", "配置文件路径")
	showVersion := flag.Bool("v", false, "显示版本")
	spmDebug := flag.Bool("spm-debug", false, "放开 SPM 调试日志")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pgm-send %s (构建于 %s)\n", Version, BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	logging.SetLevel(cfg.LogLevel)
	if *spmDebug {
		logging.Unsilence(logging.CategorySPM)
	}
	if cfg.LogFile.Path != "" {
		logging.SetOutput(&lumberjack.Logger{
			Filename:   cfg.LogFile.Path,
			MaxSize:    cfg.LogFile.MaxSizeMB,
			MaxBackups: cfg.LogFile.MaxBackups,
			MaxAge:     cfg.LogFile.MaxAgeDays,
			Compress:   true,
		})
	}

	t, sender, err := buildTransport(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "传输初始化失败: %v\n", err)
		os.Exit(1)
	}
	defer sender.Close()

	var msrv *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		msrv = metrics.NewMetricsServer(cfg.Metrics.Listen, cfg.Metrics.Path,
			cfg.Metrics.HealthPath, cfg.Metrics.EnablePprof)
		msrv.MustRegisterCollector(metrics.NewSourceCollector(t, t.TSI().String()))
		msrv.SetHealthCheck(func() metrics.HealthStatus {
			return metrics.HealthStatus{
				Status:    "healthy",
				Timestamp: time.Now(),
				Uptime:    time.Since(startTime),
				TSI:       t.TSI().String(),
			}
		})
		feed := metrics.NewStatsFeed(t, t.TSI().String(),
			time.Duration(cfg.Metrics.StatsFeedMs)*time.Millisecond)
		if err := msrv.Start(feed); err != nil {
			fmt.Fprintf(os.Stderr, "metrics 启动失败: %v\n", err)
			os.Exit(1)
		}
		defer msrv.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logging.Infof("收到退出信号")
		t.Close()
		cancel()
	}()

	// 定时线程 + 接收线程
	go func() {
		if err := t.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Errorf("传输异常退出: %v", err)
		}
	}()

	publishStdin(t)
	t.Close()
	cancel()
}

// buildTransport 按配置装配源端传输
func buildTransport(cfg *config.Config) (*transport.Transport, *transport.UDPSender, error) {
	group := &net.UDPAddr{
		IP:   net.ParseIP(cfg.Network.Group),
		Port: cfg.Network.Port,
	}

	var ifi *net.Interface
	if cfg.Network.Interface != "" {
		i, err := net.InterfaceByName(cfg.Network.Interface)
		if err != nil {
			return nil, nil, fmt.Errorf("网卡 %s: %w", cfg.Network.Interface, err)
		}
		ifi = i
	}

	sender, err := transport.NewUDPSender(group, ifi, cfg.Network.TTL)
	if err != nil {
		return nil, nil, err
	}

	gsi, err := transport.HostGSI()
	if err != nil {
		gsi, err = transport.RandomGSI()
		if err != nil {
			sender.Close()
			return nil, nil, err
		}
	}

	sport := uint16(cfg.Network.SPort)
	if sport == 0 {
		sport = uint16(os.Getpid())
	}

	t := transport.New(gsi, sport, uint16(cfg.Network.Port), group, sender.LocalIP(), sender)

	steps := []func() error{
		func() error { return t.SetMaxTPDU(cfg.Source.MaxTPDU) },
		func() error { return t.SetAmbientSPM(cfg.Source.AmbientSPM()) },
		func() error { return t.SetIHBMin(cfg.Source.IHBMin()) },
	}
	if len(cfg.Source.HeartbeatSPMMs) > 0 {
		steps = append(steps, func() error { return t.SetHeartbeatSPM(cfg.Source.HeartbeatSPM()) })
	}
	if cfg.Source.TxwSqns > 0 {
		steps = append(steps, func() error { return t.SetTxwSqns(uint32(cfg.Source.TxwSqns)) })
	}
	if cfg.Source.TxwSecs > 0 {
		steps = append(steps, func() error { return t.SetTxwSecs(cfg.Source.TxwSecs) })
	}
	if cfg.Source.TxwMaxRte > 0 {
		steps = append(steps, func() error { return t.SetTxwMaxRte(cfg.Source.TxwMaxRte) })
	}
	if cfg.Source.TxwPreallocate > 0 {
		steps = append(steps, func() error { return t.SetTxwPreallocate(uint32(cfg.Source.TxwPreallocate)) })
	}
	if cfg.FEC.Enabled {
		steps = append(steps,
			func() error { return t.SetRS(cfg.FEC.N, cfg.FEC.K) },
			func() error { return t.SetOndemandParity(cfg.FEC.OndemandParity) },
			func() error { return t.SetProactiveParity(cfg.FEC.ProactiveParity) },
		)
	}
	for _, step := range steps {
		if err := step(); err != nil {
			sender.Close()
			return nil, nil, err
		}
	}

	if err := t.Bind(); err != nil {
		sender.Close()
		return nil, nil, err
	}
	return t, sender, nil
}

// publishStdin 标准输入每行作为一个 APDU 发布
func publishStdin(t *transport.Transport) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		for {
			_, err := t.Send(line, 0)
			if err == nil {
				break
			}
			if errors.Is(err, transport.ErrRateLimited) || errors.Is(err, transport.ErrWouldBlock) {
				time.Sleep(time.Millisecond)
				continue
			}
			logging.Errorf("发送失败: %v", err)
			return
		}
	}
}
