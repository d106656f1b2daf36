package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Itukii/sonobus"
	"github.com/Itukii/sonobus/directory"
	"github.com/Itukii/sonobus/event"
	"github.com/Itukii/sonobus/limits"
	"github.com/Itukii/sonobus/messaging"
	"github.com/Itukii/sonobus/request"
)

const disconnectTimeout = 3 * time.Second

func main() {
	cfg, err := Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err,
		}).Fatal("Invalid configuration")
	}

	if err := run(cfg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err,
		}).Fatal("Client failed")
	}
}

type app struct {
	cfg    Config
	log    *logrus.Logger
	client *sonobus.Session
	conn   *net.UDPConn
}

func run(cfg Config) error {
	logger := logrus.New()
	logger.SetLevel(cfg.logLevel())

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(cfg.listenAddr()))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	a := &app{cfg: cfg, log: logger, conn: conn}

	registry := prometheus.NewRegistry()
	opts := sonobus.NewOptions()
	opts.Logger = logger
	opts.Registerer = registry
	opts.RelayEnabled = cfg.Relay
	opts.EventHandler = a.logEvent
	opts.EventMode = event.ModeImmediate
	if cfg.EventMode == "poll" {
		opts.EventMode = event.ModePoll
	}

	a.client, err = sonobus.New(opts)
	if err != nil {
		conn.Close()
		return err
	}
	defer a.client.Close()

	logger.WithFields(logrus.Fields{
		"function": "run",
		"local":    conn.LocalAddr(),
		"server":   fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	}).Info("Client started")

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(sigCtx)
	netCtx, stopNet := context.WithCancel(context.Background())
	defer stopNet()

	g.Go(func() error { return a.client.Run(true) })
	g.Go(a.readLoop)
	g.Go(func() error { return a.sendLoop(netCtx) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return a.serveMetrics(netCtx, registry) })
	}
	g.Go(func() error {
		defer func() {
			stopNet()
			a.client.Quit()
			a.conn.Close()
		}()
		return a.session(ctx)
	})

	return g.Wait()
}

// session connects, joins the group and chats until ctx is done, then
// disconnects.
func (a *app) session(ctx context.Context) error {
	cb, connected := request.Await()
	if err := a.client.Connect(a.cfg.Server.Host, a.cfg.Server.Port, a.cfg.Server.Password, nil, cb); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	res, ok := wait(ctx, connected)
	if !ok {
		return a.disconnect()
	}
	if res.Err != nil {
		return fmt.Errorf("connect: %w", res.Err)
	}

	cb, joined := request.Await()
	err := a.client.JoinGroup(request.Join{
		GroupName:     a.cfg.Group.Name,
		GroupPassword: a.cfg.Group.Password,
		UserName:      a.cfg.User.Name,
		UserPassword:  a.cfg.User.Password,
	}, cb)
	if err != nil {
		return multierr.Combine(fmt.Errorf("join: %w", err), a.disconnect())
	}
	if res, ok = wait(ctx, joined); !ok {
		return a.disconnect()
	}
	if res.Err != nil {
		return multierr.Combine(fmt.Errorf("join: %w", res.Err), a.disconnect())
	}
	resp := res.Response.(*request.JoinResponse)

	a.log.WithFields(logrus.Fields{
		"function": "session",
		"group":    a.cfg.Group.Name,
		"group_id": resp.GroupID,
		"user_id":  resp.UserID,
		"peers":    len(resp.Peers),
	}).Info("Joined group")

	if a.cfg.MessageInterval == 0 {
		<-ctx.Done()
		return a.disconnect()
	}

	ticker := time.NewTicker(a.cfg.MessageInterval)
	defer ticker.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return a.disconnect()
		case <-ticker.C:
		}
		text := fmt.Sprintf("%s #%d", a.cfg.Message, n)
		if err := a.client.SendMessage(resp.GroupID, directory.InvalidID, []byte(text), time.Time{}, messaging.FlagReliable|messaging.FlagAllowRelay); err != nil {
			a.log.WithFields(logrus.Fields{
				"function": "session",
				"error":    err,
			}).Warn("Message not sent")
		}
	}
}

func wait(ctx context.Context, ch <-chan request.Result) (request.Result, bool) {
	select {
	case res := <-ch:
		return res, true
	case <-ctx.Done():
		return request.Result{}, false
	}
}

func (a *app) disconnect() error {
	cb, done := request.Await()
	err := a.client.Disconnect(cb)
	if errors.Is(err, sonobus.ErrNotConnected) {
		return nil
	}
	if err != nil {
		return err
	}

	select {
	case res := <-done:
		return res.Err
	case <-time.After(disconnectTimeout):
		a.log.WithFields(logrus.Fields{
			"function": "disconnect",
		}).Warn("Server did not acknowledge disconnect")
		return nil
	}
}

func (a *app) readLoop() error {
	buf := make([]byte, limits.MaxDatagramSize)
	for {
		n, addr, err := a.conn.ReadFromUDPAddrPort(buf)
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := a.client.HandleMessage(buf[:n], addr); err != nil {
			a.log.WithFields(logrus.Fields{
				"function": "readLoop",
				"from":     addr,
				"error":    err,
			}).Debug("Dropping datagram")
		}
	}
}

func (a *app) sendLoop(ctx context.Context) error {
	send := func(data []byte, addr netip.AddrPort) error {
		_, err := a.conn.WriteToUDPAddrPort(data, addr)
		return err
	}

	ticker := time.NewTicker(a.cfg.SendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := a.client.Send(send); err != nil {
			a.log.WithFields(logrus.Fields{
				"function": "sendLoop",
				"error":    err,
			}).Debug("Send failed")
		}
		if a.cfg.EventMode == "poll" {
			if err := a.client.PollEvents(); err != nil {
				return err
			}
		}
	}
}

func (a *app) serveMetrics(ctx context.Context, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.log.WithFields(logrus.Fields{
		"function": "serveMetrics",
		"address":  a.cfg.MetricsAddr,
	}).Info("Serving metrics")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// logEvent runs on the goroutine that produced the event and must not call
// into the client.
func (a *app) logEvent(e event.Event) {
	entry := a.log.WithFields(logrus.Fields{
		"function": "logEvent",
		"event":    e.Kind(),
	})
	switch e := e.(type) {
	case event.ConnectionStateChanged:
		entry.WithField("state", e.State).Info("Connection state changed")
	case event.Disconnected:
		entry.WithField("error", e.Err).Warn("Disconnected from server")
	case event.GroupJoined:
		entry.WithField("group", e.Group.Name).Info("Group joined")
	case event.GroupLeft:
		entry.WithFields(logrus.Fields{"group": e.Group.Name, "error": e.Err}).Info("Group left")
	case event.PeerJoined:
		entry.WithFields(logrus.Fields{"user": e.Peer.UserName, "address": e.Peer.Address}).Info("Peer joined")
	case event.PeerLeft:
		entry.WithField("user", e.Peer.UserName).Info("Peer left")
	case event.PeerHandshake:
		entry.WithFields(logrus.Fields{
			"user":    e.Peer.UserName,
			"address": e.Peer.Address,
			"relayed": e.Peer.Relayed,
		}).Info("Peer reachable")
	case event.PeerTimeout:
		entry.WithField("user", e.Peer.UserName).Warn("Peer unreachable")
	case event.MessageReceived:
		entry.WithFields(logrus.Fields{
			"group_id": e.GroupID,
			"user_id":  e.UserID,
			"text":     string(e.Data),
		}).Info("Message received")
	case event.ServerMessage:
		entry.WithField("text", string(e.Data)).Info("Server message")
	case event.Error:
		entry.WithField("error", e.Err).Warn("Client error")
	default:
		entry.Debug("Event")
	}
}
