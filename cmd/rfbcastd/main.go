// Command rfbcastd runs the viewer-facing fan-out server: it drives a
// synthetic upstream framebuffer and serves any number of token-authenticated
// viewers the remote-framebuffer-compatible protocol over TCP.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/patdhlk/rfbcast/internal/config"
	"github.com/patdhlk/rfbcast/internal/fanout"
	"github.com/patdhlk/rfbcast/internal/metrics"
	"github.com/patdhlk/rfbcast/internal/upstream"
)

var configPath = flag.String("config", "rfbcast.toml", "path to the server's TOML configuration file")

var listenAddr = flag.String("listen", "", "viewer listen address; overrides the configuration file's listen value when set")

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*configPath)
	if err != nil {
		glog.Fatalf("rfbcastd: %v", err)
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}

	up := upstream.NewSynthetic(cfg.FramebufferWidth, cfg.FramebufferHeight, cfg.UpstreamToken, cfg.UpdateInterval(), cfg.QualityHint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := up.Connect(ctx, cfg.UpstreamHost, cfg.UpstreamPort, cfg.UpstreamToken); err != nil {
		glog.Fatalf("rfbcastd: connecting to upstream: %v", err)
	}

	var m *metrics.Registry
	if cfg.MetricsListen != "" {
		m = metrics.New()
		go func() {
			if err := metrics.Serve(cfg.MetricsListen); err != nil {
				glog.Errorf("rfbcastd: metrics endpoint on %s stopped: %v", cfg.MetricsListen, err)
			}
		}()
		glog.Infof("rfbcastd: metrics listening on %s", cfg.MetricsListen)
	}

	srv, err := fanout.New(cfg.Listen, up, cfg.ViewerToken, m, cfg.MaxRects)
	if err != nil {
		glog.Fatalf("rfbcastd: binding %s: %v", cfg.Listen, err)
	}
	glog.Infof("rfbcastd: serving viewers on %s (framebuffer %dx%d)",
		srv.Addr(), cfg.FramebufferWidth, cfg.FramebufferHeight)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		glog.Infof("rfbcastd: shutting down")
		cancel()
	}()

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		glog.Fatalf("rfbcastd: server ended: %v", err)
	}

	// Give glog a moment to flush the shutdown line before process exit.
	time.Sleep(10 * time.Millisecond)
}
