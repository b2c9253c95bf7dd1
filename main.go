package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"gopkg.in/ini.v1"

	"hfpd/ag"
	"hfpd/api"
	"hfpd/atlink"
	"hfpd/bluez"
	"hfpd/client"
	"hfpd/hfp"
	"hfpd/telecom"
)

// closer collects shutdown steps and runs them in reverse order.
type closer []func()

func (c *closer) add(f func()) { *c = append(*c, f) }

func (c closer) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func closeLogged(name string, f func() error) func() {
	return func() {
		if err := f(); err != nil {
			coreLog.Warnf("close %s: %v", name, err)
		}
	}
}

// dialerFor returns the RFCOMM dialer of a role. With BlueZ the profile both
// dials and accepts, handing incoming channels to accept.
func dialerFor(s *Settings, uuid string, accept func(hfp.Device, io.ReadWriteCloser), c *closer) (atlink.Dialer, error) {
	if s.Transport() == "serial" {
		return s.SerialDialer(), nil
	}
	p, err := bluez.Register(s.ProfileOptions(uuid), bluez.AcceptorFunc(accept), linkLog)
	if err != nil {
		return nil, err
	}
	c.add(closeLogged("bluez profile "+uuid, p.Close))
	return p, nil
}

// lazyDialer defers to *d, which is set once the transport exists. Links
// only dial after their service has started.
func lazyDialer(d *atlink.Dialer) atlink.Dialer {
	return atlink.DialerFunc(func(ctx context.Context, dev hfp.Device) (io.ReadWriteCloser, error) {
		return (*d).Dial(ctx, dev)
	})
}

func startClient(s *Settings, events hfp.Notifier, policy hfp.ConnectionPolicy, c *closer) (*client.Service, *atlink.HF, error) {
	coreLog.Info("starting hands-free role")

	var dialer atlink.Dialer
	link := atlink.NewHF(s.HFLinkConfig(), lazyDialer(&dialer), linkLog)
	c.add(closeLogged("hands-free link", link.Close))
	dialer, err := dialerFor(s, bluez.HandsFreeUUID, link.Accept, c)
	if err != nil {
		return nil, nil, fmt.Errorf("hands-free transport: %w", err)
	}

	svc := client.NewService(client.Options{
		Config:   s.ClientConfig(),
		Native:   link,
		Notifier: events,
		Policy:   policy,
		Log:      coreLog,
	})
	link.Attach(svc.HandleEvent)
	svc.Start()
	c.add(closeLogged("hands-free service", svc.Close))
	return svc, link, nil
}

// startTelephony brings up the call backend the gateway exposes to its
// hands-free peers.
func startTelephony(ctx context.Context, s *Settings, c *closer) (*telecom.Phone, error) {
	switch s.Telephony() {
	case "telegram":
		tg, err := telecom.NewTelegram(s.TelegramConfig(), coreLog)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		phone := telecom.NewPhone(s.PhoneConfig(), tg, coreLog)
		go func() {
			if err := tg.Run(ctx, phone); err != nil && !errors.Is(err, context.Canceled) {
				coreLog.Errorf("telegram stopped: %v", err)
			}
		}()
		return phone, nil
	default:
		sip, err := telecom.NewSIP(s.SIPConfig(), coreLog, sipLog)
		if err != nil {
			return nil, fmt.Errorf("sip: %w", err)
		}
		phone := telecom.NewPhone(s.PhoneConfig(), sip, coreLog)
		if err := sip.Start(phone); err != nil {
			return nil, fmt.Errorf("sip: %w", err)
		}
		c.add(sip.Close)
		return phone, nil
	}
}

func startGateway(ctx context.Context, s *Settings, events hfp.Notifier, policy hfp.ConnectionPolicy, c *closer) (*ag.Service, *atlink.AG, error) {
	coreLog.Info("starting audio gateway role")

	phone, err := startTelephony(ctx, s, c)
	if err != nil {
		return nil, nil, err
	}

	var dialer atlink.Dialer
	link := atlink.NewAG(s.AGLinkConfig(), lazyDialer(&dialer), linkLog)
	c.add(closeLogged("gateway link", link.Close))
	dialer, err = dialerFor(s, bluez.GatewayUUID, link.Accept, c)
	if err != nil {
		return nil, nil, fmt.Errorf("gateway transport: %w", err)
	}

	svc := ag.NewService(ag.Options{
		Config:   s.GatewayConfig(),
		Native:   link,
		System:   phone,
		Notifier: events,
		Policy:   policy,
		Log:      coreLog,
	})
	link.Attach(svc.HandleEvent)
	phone.Attach(svc)
	go func() {
		if err := phone.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			coreLog.Errorf("phone stopped: %v", err)
		}
	}()
	svc.Start()
	c.add(closeLogged("gateway service", svc.Close))
	return svc, link, nil
}

func run(ctx context.Context, s *Settings) error {
	var c closer
	defer c.run()

	events := hfp.NewBroadcaster(256)
	c.add(closeLogged("event broadcaster", events.Close))
	policy := hfp.NewDenyList(s.Forbidden()...)

	opts := api.Options{Events: events, Log: httpLog}
	if s.ClientEnabled() {
		svc, link, err := startClient(s, events, policy, &c)
		if err != nil {
			return err
		}
		opts.HandsFree, opts.HandsFreeAudio = svc, link
	}
	if s.GatewayEnabled() {
		svc, link, err := startGateway(ctx, s, events, policy, &c)
		if err != nil {
			return err
		}
		opts.Gateway, opts.GatewayAudio = svc, link
	}

	srv := &http.Server{
		Addr:         s.HTTPAddress(),
		Handler:      api.New(opts).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		httpLog.Infof("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		coreLog.Warnf("sd_notify: %v", err)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		err = fmt.Errorf("http: %w", err)
	}

	coreLog.Info("performing a graceful shutdown...")
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		httpLog.Warnf("shutdown: %v", err)
	}
	return err
}

func main() {
	path := flag.String("config", "settings.ini", "path to the settings file")
	flag.Parse()

	cfg, err := ini.Load(*path)
	if err != nil {
		fmt.Printf("failed to load settings: %v\n", err)
		os.Exit(1)
	}

	settings, err := LoadSettings(cfg)
	if err != nil {
		fmt.Printf("failed to parse settings: %v\n", err)
		os.Exit(1)
	}

	if err := initLogging(cfg); err != nil {
		fmt.Printf("failed to init logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLogging()
	coreLog.Infof("settings loaded from %s, role %s", *path, settings.Role())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, settings); err != nil {
		coreLog.Errorf("hfpd: %v", err)
		closeLogging()
		os.Exit(1)
	}
	coreLog.Info("stopped")
}
