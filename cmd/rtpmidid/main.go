// Command rtpmidid bridges the local MIDI graph to remote AppleMIDI
// sessions: discovered sessions appear as local virtual ports, and local
// ports are exported as announced sessions.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/leandrodaf/rtpmidid/internal/config"
	"github.com/leandrodaf/rtpmidid/internal/discovery"
	"github.com/leandrodaf/rtpmidid/internal/logger"
	"github.com/leandrodaf/rtpmidid/internal/registry"
	"github.com/leandrodaf/rtpmidid/internal/seq"

	// MIDI backends register themselves for the platform they build on.
	_ "github.com/leandrodaf/rtpmidid/internal/seq/seqdarwin"
	_ "github.com/leandrodaf/rtpmidid/internal/seq/seqrtmidi"
	_ "github.com/leandrodaf/rtpmidid/internal/seq/seqwindows"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML configuration file")
		name       = flag.String("name", "", "published daemon name (default: hostname)")
		ports      = flag.String("port", "", "comma separated control ports to serve on (default: 5004)")
		connectTo  = flag.String("connect", "", "comma separated targets: host, name:host or name:host:port")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	log := logger.New()
	if *verbose {
		log.SetLevel(logger.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("invalid configuration", log.Field().Error("error", err))
	}
	if *name != "" {
		cfg.Name = *name
	}
	cfg.ConnectTo = append(cfg.ConnectTo, splitList(*connectTo)...)
	if *ports != "" {
		cfg.Ports = nil
		for _, entry := range splitList(*ports) {
			n, err := strconv.ParseUint(entry, 10, 16)
			if err != nil || n == 0 {
				log.Fatal("invalid port list", log.Field().String("port", entry))
			}
			cfg.Ports = append(cfg.Ports, uint16(n))
		}
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = []uint16{config.DefaultPort}
	}
	targets, err := cfg.Targets()
	if err != nil {
		log.Fatal("invalid connect-to target", log.Field().Error("error", err))
	}

	sequencer, err := seq.New(
		seq.WithLogger(log),
		seq.WithClientName(cfg.Name),
	)
	if err != nil {
		log.Fatal("cannot open MIDI backend", log.Field().Error("error", err))
	}
	defer sequencer.Close()

	mdns := discovery.New(log)
	defer mdns.Close()

	reg, err := registry.New(registry.Config{
		Name:      cfg.Name,
		Logger:    log,
		Sequencer: sequencer,
		Announcer: mdns,
	})
	if err != nil {
		log.Fatal("cannot start registry", log.Field().Error("error", err))
	}
	defer reg.Close()

	if err := reg.StartServers(cfg.Ports); err != nil {
		log.Fatal("cannot open server ports", log.Field().Error("error", err))
	}
	reg.ConnectTo(targets)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mdns.Browse(ctx, discovery.Handlers{
		Discovered: func(endpoint discovery.Endpoint) {
			reg.OnDiscovery(endpoint.Name, endpoint.Address, endpoint.Port)
		},
		Removed: reg.OnRemove,
	}); err != nil {
		log.Warn("mDNS browsing unavailable", log.Field().Error("error", err))
	}

	log.Info("rtpmidid running",
		log.Field().String("name", cfg.Name),
		log.Field().Int("servers", len(cfg.Ports)),
		log.Field().Int("targets", len(targets)))

	<-ctx.Done()
	log.Info("shutting down")
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
