// Command controller runs one VPN control-plane process: a single UDP
// listener driving the cooperative event loop in internal/controller
// against a local data-plane process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshvpn/vpncontrol/internal/addrcoder"
	"github.com/meshvpn/vpncontrol/internal/config"
	"github.com/meshvpn/vpncontrol/internal/controller"
	"github.com/meshvpn/vpncontrol/internal/metrics"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: controller [--config path] [--metrics-addr host:port] <username> <password> <host> [ip4]")
}

// isFatalConfigError reports whether err represents a configuration
// problem no retry can fix, such as a social-mode /24 running out of
// addresses to hand out. These terminate the process instead of being
// logged and looped past like a transient read error.
func isFatalConfigError(err error) bool {
	return errors.Is(err, addrcoder.ErrTooManyPeers)
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
	log := slog.Default()

	configPath := flag.String("config", "", "path to an optional YAML overrides file")
	metricsAddr := flag.String("metrics-addr", "", "host:port to serve Prometheus metrics on; empty disables it")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 3 || len(args) > 4 {
		usage()
		os.Exit(1)
	}
	username, password, host := args[0], args[1], args[2]

	rt := config.Defaults()
	rt.Username, rt.Password, rt.Host = username, password, host

	ip4 := ""
	if len(args) == 4 {
		ip4 = args[3]
		rt.Mode = config.GroupVPN
	}

	if *configPath != "" {
		overrides, err := config.LoadOverrides(*configPath)
		if err != nil {
			log.Error("failed to load config overrides", "path", *configPath, "error", err)
			os.Exit(1)
		}
		if err := rt.Apply(overrides); err != nil {
			log.Error("invalid config overrides", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}
	if *metricsAddr != "" {
		rt.MetricsAddr = *metricsAddr
	}

	if ip4 == "" {
		ip4 = rt.IP4Base
	}

	var m *metrics.Metrics
	var metricsServer *metrics.Server
	if rt.MetricsAddr != "" {
		m = metrics.New()
		metricsServer = metrics.NewServer(rt.MetricsAddr, m)
		go func() {
			if err := metricsServer.Serve(); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	listenAddr := &net.UDPAddr{Port: config.ControllerPort}
	dataplaneAddr := &net.UDPAddr{IP: net.ParseIP(config.Loopback6), Port: config.SVPNPort}

	ctl, err := controller.New(rt, ip4, listenAddr, dataplaneAddr, log, m)
	if err != nil {
		log.Error("failed to start controller", "error", err)
		os.Exit(1)
	}
	defer ctl.Close()

	log.Info("controller started", "mode", rt.Mode, "run_id", ctl.RunID(), "listen_port", config.ControllerPort)

	if err := ctl.Bootstrap(); err != nil {
		log.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	// Each ServeOnce blocks for up to WaitTime, same as the original's
	// select(..., WAIT_TIME); a maintenance tick runs whenever at least
	// WaitTime has elapsed since the last one, regardless of whether the
	// intervening ServeOnce calls returned early on incoming traffic.
	lastTick := time.Now()
	for {
		select {
		case <-sig:
			log.Info("shutting down")
			if metricsServer != nil {
				_ = metricsServer.Shutdown(ctx)
			}
			return
		default:
		}

		if err := ctl.ServeOnce(rt.WaitTime); err != nil {
			if isFatalConfigError(err) {
				log.Error("fatal configuration error, exiting", "error", err)
				if metricsServer != nil {
					_ = metricsServer.Shutdown(ctx)
				}
				ctl.Close()
				os.Exit(1)
			}
			log.Warn("serve: read error", "error", err)
		}

		if time.Since(lastTick) >= rt.WaitTime {
			ctl.Tick(ctx)
			lastTick = time.Now()
		}
	}
}
