package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/go-carvera/bus"
	"github.com/arloliu/go-carvera/config"
	"github.com/arloliu/go-carvera/discovery"
	"github.com/arloliu/go-carvera/internal/task"
	"github.com/arloliu/go-carvera/link"
	"github.com/arloliu/go-carvera/logger"
	"github.com/arloliu/go-carvera/proxy"
	"github.com/arloliu/go-carvera/web"
)

// bridge owns the link and the services configured around it.
type bridge struct {
	cfg      *config.Config
	logger   logger.Logger
	bus      *bus.Bus
	link     *link.Link
	registry *prometheus.Registry
	tasks    *task.Manager

	locator   *discovery.Locator
	announcer *discovery.Announcer
	proxy     *proxy.Server
	web       *web.Server
}

func newBridge(ctx context.Context, c *config.Config, lg logger.Logger) (*bridge, error) {
	b := &bridge{
		cfg:      c,
		logger:   lg,
		bus:      bus.New(bus.WithLogger(lg)),
		registry: prometheus.NewRegistry(),
		tasks:    task.NewManager(ctx, lg),
	}

	lcfg, err := link.NewConfig(append(c.LinkOptions(), link.WithBus(b.bus), link.WithLogger(lg))...)
	if err != nil {
		return nil, err
	}
	b.link, err = link.New(ctx, lcfg)
	if err != nil {
		return nil, err
	}

	b.registry.MustRegister(collectors.NewGoCollector())
	if err := link.RegisterMetrics(b.registry, b.link); err != nil {
		_ = b.link.Close()
		return nil, err
	}

	if c.AutoConnect && c.Serial == "" {
		bus.Subscribe(b.bus, func(ev bus.DeviceFoundEvent) {
			_ = b.tasks.Start("autoconnect", func(context.Context) {
				if b.link.Connected() {
					return
				}
				b.logger.Info("connecting to device", "target", ev.Target.String())
				_ = b.link.Start()
			})
		})
	}

	localIP := ""
	if ip, _, err := discovery.LocalAddr(); err == nil {
		localIP = ip.String()
	}

	if c.Locate {
		b.locator = discovery.NewLocator(b.bus,
			discovery.WithLocateAddr(fmt.Sprintf(":%d", c.LocatePort)),
			discovery.WithIgnoreIP(localIP),
			discovery.WithLocatorLogger(lg),
		)
	}
	if c.Spoof && c.Proxy {
		b.announcer = discovery.NewAnnouncer(
			discovery.WithBind(fmt.Sprintf(":%d", c.SpoofPort)),
			discovery.WithProxyPort(c.ProxyPort),
			discovery.WithAnnouncerLogger(lg),
		)
		b.announcer.Follow(b.bus)
	}
	if c.Proxy {
		b.proxy = proxy.NewServer(b.link,
			proxy.WithAddr(fmt.Sprintf(":%d", c.ProxyPort)),
			proxy.WithLogger(lg),
		)
	}
	if c.Web {
		b.web = web.NewServer(b.link,
			web.WithAddr(fmt.Sprintf(":%d", c.WebPort)),
			web.WithGatherer(b.registry),
			web.WithLogger(lg),
		)
	}

	return b, nil
}

// start opens the listeners, then connects over serial or announces the
// configured target.
func (b *bridge) start(ctx context.Context) error {
	if b.proxy != nil {
		if err := b.proxy.Start(ctx); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
		b.logger.Info("proxy listening", "addr", b.proxy.Addr().String())
	}
	if b.web != nil {
		if err := b.web.Start(ctx); err != nil {
			return fmt.Errorf("web: %w", err)
		}
		b.logger.Info("web listening", "addr", b.web.Addr().String())
	}
	if b.locator != nil {
		if err := b.locator.Start(ctx); err != nil {
			return fmt.Errorf("locate: %w", err)
		}
	}
	if b.announcer != nil {
		if err := b.announcer.Start(ctx); err != nil {
			return fmt.Errorf("spoof: %w", err)
		}
	}

	if b.cfg.Serial != "" {
		port, err := link.OpenSerial(b.cfg.Serial, b.cfg.Baud)
		if err != nil {
			return err
		}
		if err := b.link.StartWith(port, "serial"); err != nil {
			_ = port.Close()
			return err
		}

		return nil
	}

	if t, ok := b.cfg.Target(); ok {
		b.bus.Publish(bus.DeviceFoundEvent{Target: t})
	}

	return nil
}

func (b *bridge) close() error {
	var g errgroup.Group
	if b.announcer != nil {
		g.Go(b.announcer.Close)
	}
	if b.locator != nil {
		g.Go(b.locator.Close)
	}
	if b.proxy != nil {
		g.Go(b.proxy.Close)
	}
	if b.web != nil {
		g.Go(b.web.Close)
	}
	err := g.Wait()

	b.tasks.Stop()
	b.tasks.Wait()

	return errors.Join(err, b.link.Close())
}
