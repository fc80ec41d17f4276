// Command bluesh is a shell for poking at BLE peripherals: scan, connect,
// read, write, subscribe, and advertise from the command line.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/bluewire/bluewire"
	"github.com/bluewire/bluewire/broadcast"
	"github.com/bluewire/bluewire/central"
	"github.com/bluewire/bluewire/driver/tinygo"
)

func main() {
	app := cli.NewApp()

	app.Name = "bluesh"
	app.Usage = "A CLI tool for BLE peripherals"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: DefaultConfigPath(),
			Usage: "config file",
		},
		cli.StringFlag{Name: "addr, a", Usage: "peripheral address"},
		cli.DurationFlag{Name: "timeout, t", Usage: "operation timeout"},
	}

	app.Commands = []cli.Command{
		{
			Name:    "scan",
			Aliases: []string{"s"},
			Usage:   "Scan for nearby peripherals",
			Action:  cmdScan,
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration, d", Value: 5 * time.Second, Usage: "scan duration"},
			},
		},
		{
			Name:    "explore",
			Aliases: []string{"e"},
			Usage:   "Connect and list services and characteristics",
			Action:  cmdExplore,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "svc", Usage: "service UUID to discover"},
			},
		},
		{
			Name:   "read",
			Usage:  "Read a characteristic value",
			Action: cmdRead,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "svc", Usage: "service UUID"},
				cli.StringFlag{Name: "char", Usage: "characteristic UUID"},
				cli.DurationFlag{Name: "max-age", Usage: "accept a cached value no older than this"},
			},
		},
		{
			Name:   "write",
			Usage:  "Write a hex-encoded value to a characteristic",
			Action: cmdWrite,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "svc", Usage: "service UUID"},
				cli.StringFlag{Name: "char", Usage: "characteristic UUID"},
				cli.StringFlag{Name: "value, v", Usage: "hex payload"},
				cli.BoolFlag{Name: "no-ack", Usage: "write without response"},
			},
		},
		{
			Name:    "notify",
			Aliases: []string{"n"},
			Usage:   "Subscribe to a characteristic and print updates",
			Action:  cmdNotify,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "svc", Usage: "service UUID"},
				cli.StringFlag{Name: "char", Usage: "characteristic UUID"},
				cli.DurationFlag{Name: "duration, d", Value: 30 * time.Second, Usage: "listen duration"},
			},
		},
		{
			Name:   "rssi",
			Usage:  "Sample connection signal strength",
			Action: cmdRSSI,
		},
		{
			Name:   "adv",
			Usage:  "Advertise a local name and service UUIDs",
			Action: cmdAdv,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name, n", Value: "bluewire", Usage: "local name"},
				cli.StringFlag{Name: "svc", Usage: "service UUID to advertise"},
				cli.DurationFlag{Name: "duration, d", Value: 30 * time.Second, Usage: "advertise duration"},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// session is the assembled stack for one command invocation.
type session struct {
	cfg     *Config
	radio   *tinygo.Radio
	manager *central.Manager
	ctx     context.Context
	cancel  context.CancelFunc
}

// setup loads config, enables the radio, and waits for powered on.
func setup(c *cli.Context) (*session, error) {
	cfg, err := LoadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if a := c.GlobalString("addr"); a != "" {
		cfg.Address = a
	}
	if t := c.GlobalDuration("timeout"); t > 0 {
		cfg.Timeout = t
	}
	if s := c.String("svc"); s != "" {
		cfg.Service = s
	}
	if ch := c.String("char"); ch != "" {
		cfg.Characteristic = ch
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	radio := tinygo.New(tinygo.WithLogger(log))
	manager := central.NewManager(radio, central.WithLogger(log))
	if err := radio.Enable(manager); err != nil {
		return nil, err
	}

	ctx, cancel := signalContext()
	if err := manager.WaitUntilReady(ctx, cfg.Timeout); err != nil {
		cancel()
		return nil, errors.Wrap(err, "radio not ready")
	}
	return &session{cfg: cfg, radio: radio, manager: manager, ctx: ctx, cancel: cancel}, nil
}

func (s *session) close() {
	s.manager.Close()
	s.cancel()
}

// connect establishes the session's peripheral connection and returns its
// handle.
func (s *session) connect() (*central.Peripheral, error) {
	if s.cfg.Address == "" {
		return nil, errors.New("no peripheral address; use --addr or the config file")
	}
	err := s.manager.Connect(s.ctx, s.cfg.Address, bluewire.ConnectOptions{NotifyOnDisconnection: true}, s.cfg.Timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", s.cfg.Address)
	}
	return s.manager.Peripheral(s.cfg.Address), nil
}

func (s *session) uuids() (svc, char bluewire.UUID, err error) {
	if s.cfg.Service != "" {
		if svc, err = bluewire.Parse(s.cfg.Service); err != nil {
			return nil, nil, errors.Wrap(err, "service uuid")
		}
	}
	if s.cfg.Characteristic != "" {
		if char, err = bluewire.Parse(s.cfg.Characteristic); err != nil {
			return nil, nil, errors.Wrap(err, "characteristic uuid")
		}
	}
	return svc, char, nil
}

func cmdScan(c *cli.Context) error {
	s, err := setup(c)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithTimeout(s.ctx, c.Duration("duration"))
	defer cancel()
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	seen := make(map[string]bool)
	return s.radio.Scan(stop, func(id, name string, rssi int) {
		if seen[id] {
			return
		}
		seen[id] = true
		fmt.Printf("%-40s %4d dBm  %s\n", id, rssi, name)
	})
}

func cmdExplore(c *cli.Context) error {
	s, err := setup(c)
	if err != nil {
		return err
	}
	defer s.close()

	p, err := s.connect()
	if err != nil {
		return err
	}
	svc, _, err := s.uuids()
	if err != nil {
		return err
	}
	if svc == nil {
		return errors.New("no service UUID; use --svc or the config file")
	}

	service, err := p.DiscoverService(s.ctx, svc, s.cfg.Timeout)
	if err != nil {
		return err
	}
	printService(service)
	return nil
}

func printService(s *bluewire.Service) {
	if s == nil {
		return
	}
	fmt.Printf("service %s %s\n", s.UUID, bluewire.Name(s.UUID))
	for _, ch := range s.Characteristics {
		fmt.Printf("  characteristic %s %s\n", ch.UUID, bluewire.Name(ch.UUID))
	}
}

func cmdRead(c *cli.Context) error {
	s, err := setup(c)
	if err != nil {
		return err
	}
	defer s.close()

	p, char, err := s.resolve()
	if err != nil {
		return err
	}

	policy := bluewire.CacheNever
	if maxAge := c.Duration("max-age"); maxAge > 0 {
		policy = bluewire.CacheTimeSensitive(maxAge)
	}
	data, err := p.Read(s.ctx, char, policy, s.cfg.Timeout)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %x %q\n", char, data, data)
	return nil
}

func cmdWrite(c *cli.Context) error {
	s, err := setup(c)
	if err != nil {
		return err
	}
	defer s.close()

	p, char, err := s.resolve()
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(c.String("value"))
	if err != nil {
		return errors.Wrap(err, "payload")
	}

	if c.Bool("no-ack") {
		return p.WriteWithoutResponse(char, data)
	}
	return p.Write(s.ctx, char, data, s.cfg.Timeout)
}

func cmdNotify(c *cli.Context) error {
	s, err := setup(c)
	if err != nil {
		return err
	}
	defer s.close()

	p, char, err := s.resolve()
	if err != nil {
		return err
	}

	events, cancel := s.manager.Events().Subscribe(16)
	defer cancel()

	if err := p.SetNotify(s.ctx, char, true, s.cfg.Timeout); err != nil {
		return err
	}
	defer p.SetNotify(context.Background(), char, false, s.cfg.Timeout)

	deadline := time.After(c.Duration("duration"))
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if v, ok := e.(bluewire.CharacteristicValue); ok && v.Notified && v.Char.Equal(char) {
				fmt.Printf("%s  %x %q\n", time.Now().Format(time.TimeOnly), v.Data, v.Data)
			}
		case <-deadline:
			return nil
		case <-s.ctx.Done():
			return nil
		}
	}
}

func cmdRSSI(c *cli.Context) error {
	s, err := setup(c)
	if err != nil {
		return err
	}
	defer s.close()

	p, err := s.connect()
	if err != nil {
		return err
	}
	rssi, err := p.ReadRSSI(s.ctx, s.cfg.Timeout)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d dBm\n", s.cfg.Address, rssi)
	return nil
}

func cmdAdv(c *cli.Context) error {
	cfg, err := LoadConfig(c.GlobalString("config"))
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	radio := tinygo.New(tinygo.WithLogger(log))
	adv := broadcast.NewAdvertiser(radio, broadcast.WithLogger(log))
	if err := radio.Enable(adv); err != nil {
		return err
	}
	defer adv.Close()

	payload := bluewire.Advertisement{LocalName: c.String("name")}
	if su := c.String("svc"); su != "" {
		u, err := bluewire.Parse(su)
		if err != nil {
			return errors.Wrap(err, "service uuid")
		}
		payload.Services = []bluewire.UUID{u}
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := adv.Start(ctx, payload, cfg.Timeout); err != nil {
		return err
	}
	fmt.Printf("advertising as %q\n", payload.LocalName)

	select {
	case <-time.After(c.Duration("duration")):
	case <-ctx.Done():
	}
	return adv.Stop(context.Background(), cfg.Timeout)
}

// resolve connects and discovers the configured characteristic.
func (s *session) resolve() (*central.Peripheral, bluewire.UUID, error) {
	p, err := s.connect()
	if err != nil {
		return nil, nil, err
	}
	svc, char, err := s.uuids()
	if err != nil {
		return nil, nil, err
	}
	if svc == nil || char == nil {
		return nil, nil, errors.New("service and characteristic UUIDs required")
	}
	if _, err := p.DiscoverService(s.ctx, svc, s.cfg.Timeout); err != nil {
		return nil, nil, err
	}
	if _, err := p.DiscoverCharacteristic(s.ctx, char, svc, s.cfg.Timeout); err != nil {
		return nil, nil, err
	}
	return p, char, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})
	return slog.New(h)
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
