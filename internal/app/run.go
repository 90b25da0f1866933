// Package app wires the client's services together and runs them.
package app

import (
	"context"
	"fmt"
	"reflect"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/rtlink/internal/bus"
	"github.com/petervdpas/rtlink/internal/call"
	"github.com/petervdpas/rtlink/internal/callapi"
	"github.com/petervdpas/rtlink/internal/chat"
	"github.com/petervdpas/rtlink/internal/config"
	"github.com/petervdpas/rtlink/internal/match"
	"github.com/petervdpas/rtlink/internal/negotiate"
	"github.com/petervdpas/rtlink/internal/presence"
	"github.com/petervdpas/rtlink/internal/signal"
	"github.com/petervdpas/rtlink/internal/storage"
	"github.com/petervdpas/rtlink/internal/transport"
	"github.com/petervdpas/rtlink/internal/util"
	"github.com/petervdpas/rtlink/internal/viewer"
)

var log = logging.Logger("app")

type Options struct {
	Dir     string
	CfgPath string // watched for changes when set
	Cfg     config.Config
}

// Run starts every service and blocks until ctx is done or one of them
// fails.
func Run(ctx context.Context, opt Options) error {
	setupLogging(opt.Cfg.Log)
	logs := viewer.NewLogBuffer(800)
	stopPipe := pipeLogs(logs)
	defer stopPipe()

	logBanner(opt.Dir, opt.CfgPath, opt.Cfg.Identity.UserID)

	if err := opt.Cfg.Ready(); err != nil {
		return fmt.Errorf("config not ready: %w", err)
	}

	d, err := newDaemon(opt.Dir, opt.Cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.close(); err != nil {
			log.Warnf("shutdown: %v", err)
		}
	}()

	addr, url := NormalizeLocalViewer(opt.Cfg.Viewer.HTTPAddr)
	log.Infof("control API: %s", url)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.connect(gctx)
		return nil
	})
	g.Go(func() error {
		return viewer.Serve(gctx, addr, d.viewer(logs))
	})
	if opt.CfgPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, opt.CfgPath, d.reload)
		})
	}
	return g.Wait()
}

// daemon holds the running services of one signed-in user.
type daemon struct {
	cfg config.Config
	// last is the config most recently seen by reload.
	last config.Config

	db       *storage.DB
	bus      *bus.Bus
	calls    *call.Controller
	presence *presence.Tracker
	chat     *chat.Manager
	match    *match.Queue
}

func newDaemon(dir string, cfg config.Config) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, last: cfg}
	defer func() {
		if err != nil {
			err = multierr.Append(err, d.close())
		}
	}()

	d.db, err = storage.Open(util.ResolvePath(dir, cfg.Storage.Dir))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	d.bus = bus.New(&transport.Dialer{
		URL:          cfg.BusURL(),
		HeartBeat:    time.Duration(cfg.Bus.HeartBeatMs) * time.Millisecond,
		PingInterval: time.Duration(cfg.Bus.PingIntervalSec) * time.Second,
	}, bus.Options{
		InitialBackoff: time.Duration(cfg.Bus.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Bus.MaxBackoffMs) * time.Millisecond,
	})

	src, err := mediaSource(cfg.RTC.Media)
	if err != nil {
		return nil, fmt.Errorf("media: %w", err)
	}
	peers, err := negotiate.NewPionFactory(negotiate.PionConfig{
		ICEServers: cfg.RTC.ICEServers,
		UDPPortMin: uint16(cfg.RTC.UDPPortMin),
		UDPPortMax: uint16(cfg.RTC.UDPPortMax),
	}, src)
	if err != nil {
		return nil, fmt.Errorf("webrtc: %w", err)
	}

	d.calls, err = call.New(call.Options{
		SelfID:            cfg.Identity.UserID,
		Bus:               d.bus,
		Service:           callapi.NewClient(cfg.Server.APIURL, cfg.BearerToken()),
		NewSession:        sessionFactory(signal.NewChannel(d.bus, cfg.Identity.UserID), src, peers.NewPeer, cfg.StableWait()),
		Recorder:          d.db,
		ConnectTimeout:    cfg.ConnectTimeout(),
		ReconcileAttempts: cfg.Call.ReconcileAttempts,
	})
	if err != nil {
		return nil, err
	}

	d.presence = presence.New(d.bus, d.db)
	d.chat = chat.New(d.bus, cfg.Identity.UserID, cfg.Storage.ChatBuffer)
	d.match = match.New(d.bus)
	return d, nil
}

// connect signs in to the bus. A failed first attempt keeps retrying in the
// background.
func (d *daemon) connect(ctx context.Context) {
	err := d.bus.Connect(ctx, bus.Credentials{
		UserID: d.cfg.Identity.UserID,
		Token:  d.cfg.BearerToken(),
	})
	if err != nil {
		log.Warnf("bus not reachable yet, retrying: %v", err)
		return
	}
	log.Infof("connected to %s", d.cfg.BusURL())
}

func (d *daemon) viewer(logs *viewer.LogBuffer) viewer.Viewer {
	v := viewer.Viewer{
		SelfID: d.cfg.Identity.UserID,
		Logs:   logs,
		Debug:  d.cfg.Viewer.Debug,
	}
	// Leave interfaces nil rather than holding typed nils.
	if d.bus != nil {
		v.Bus = d.bus
	}
	if d.calls != nil {
		v.Calls = d.calls
	}
	if d.db != nil {
		v.History = d.db
	}
	if d.chat != nil {
		v.Chat = d.chat
	}
	if d.match != nil {
		v.Match = d.match
	}
	if d.presence != nil {
		v.Presence = d.presence
	}
	return v
}

// reload applies a changed config file. Only log levels change live.
func (d *daemon) reload(next config.Config) {
	prev := d.last
	d.last = next
	if !reflect.DeepEqual(prev.Log, next.Log) {
		applyLevels(next.Log)
		log.Infof("log level now %s", next.Log.Level)
	}
	if restartNeeded(prev, next) {
		log.Warn("config changed; restart to apply settings other than log levels")
	}
}

func restartNeeded(prev, next config.Config) bool {
	prev.Log, next.Log = config.Log{}, config.Log{}
	return !reflect.DeepEqual(prev, next)
}

// close stops the services in reverse start order.
func (d *daemon) close() error {
	var err error
	if d.calls != nil {
		err = multierr.Append(err, d.calls.Close())
	}
	if d.match != nil {
		d.match.Close()
	}
	if d.chat != nil {
		err = multierr.Append(err, d.chat.Close())
	}
	if d.presence != nil {
		d.presence.Close()
	}
	if d.bus != nil {
		d.bus.Shutdown()
	}
	if d.db != nil {
		err = multierr.Append(err, d.db.Close())
	}
	return err
}
