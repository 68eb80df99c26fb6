// Command centaurd is the long-running daemon that wires the serial bus controller, game
// manager, refresh planner, display driver, opponent, and persistence layer into a single
// process driving one physical DGT Centaur board.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/seekerror/build"
	"github.com/seekerror/logw"

	"github.com/herohde/centaurmods/pkg/board"
	"github.com/herohde/centaurmods/pkg/config"
	"github.com/herohde/centaurmods/pkg/controller"
	"github.com/herohde/centaurmods/pkg/display"
	"github.com/herohde/centaurmods/pkg/gamemanager"
	"github.com/herohde/centaurmods/pkg/opponent"
	"github.com/herohde/centaurmods/pkg/refresh"
	"github.com/herohde/centaurmods/pkg/store"
	"github.com/herohde/centaurmods/pkg/telemetry"
)

var (
	device      = flag.String("device", "/dev/serial0", "serial device the board is attached to")
	dbPath      = flag.String("db", "centaur.db", "path to the game history SQLite database")
	configDir   = flag.String("config", ".", "directory holding the daemon's config.yaml")
	developer   = flag.Bool("dev", false, "enable verbose developer logging")
	panelWidth  = flag.Int("panel-width", 128, "e-paper panel width in pixels")
	panelHeight = flag.Int("panel-height", 296, "e-paper panel height in pixels")
)

var version = build.NewVersion(0, 1, 0)

func main() {
	flag.Parse()
	ctx := context.Background()

	logw.Infof(ctx, "centaurd %v starting", version)
	if *developer {
		logw.Infof(ctx, "centaurd: developer logging enabled")
	}

	cfg, err := config.Open(*configDir + "/config.yaml")
	if err != nil {
		logw.Errorf(ctx, "centaurd: opening config: %v", err)
		os.Exit(1)
	}

	port, err := os.OpenFile(*device, os.O_RDWR, 0)
	if err != nil {
		logw.Errorf(ctx, "centaurd: opening serial device %v: %v", *device, err)
		os.Exit(1)
	}
	defer port.Close()

	db, err := store.Open(*dbPath)
	if err != nil {
		logw.Errorf(ctx, "centaurd: opening store: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	registry := telemetry.NewRegistry()

	c := newController(cfg.Get(), port, registry)
	c.Start(ctx)

	disp := display.NewDriver(c)
	mgr := gamemanager.New(gamemanager.NewStartBoard(), disp, db)

	opp := newOpponent(cfg.Get().Opponent)
	if err := opp.Init(ctx); err != nil {
		logw.Errorf(ctx, "centaurd: initializing opponent: %v", err)
		os.Exit(1)
	}

	wireOpponentLoop(ctx, mgr, opp)
	wireBoardEvents(ctx, c, mgr)

	fb := display.NewFramebuffer(*panelWidth, *panelHeight)
	planner := refresh.New(panelDriver{fb: fb}, refresh.DefaultConfig(*panelWidth, *panelHeight), registry)
	go planner.Run(ctx)

	cfg.OnChange(func(c config.Config) {
		logw.Infof(ctx, "centaurd: config reloaded")
	})

	logw.Infof(ctx, "centaurd: ready, waiting for board discovery")
	<-ctx.Done()
}

func newController(cfg config.Config, port *os.File, registry *prometheus.Registry) *controller.Controller {
	opts := []controller.Option{controller.WithRegistry(registry)}
	if cfg.Bus.PollIntervalMS > 0 {
		opts = append(opts, controller.WithPollInterval(cfg.Bus.PollIntervalMS))
	}
	return controller.New(port, opts...)
}

func newOpponent(cfg config.OpponentConfig) opponent.Opponent {
	switch cfg.Kind {
	case "engine":
		timeout := time.Duration(cfg.MoveTimeout) * time.Millisecond
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		return opponent.NewEngine(cfg.EnginePath, timeout)
	case "remote":
		// A Remote opponent needs an already-upgraded websocket connection, which arrives
		// out of band (via an HTTP endpoint the daemon would expose); until that endpoint
		// is wired in, fall back to Human so the board still works for two local players.
		return opponent.NewHuman()
	default:
		return opponent.NewHuman()
	}
}

// wireOpponentLoop records every move the game manager reports and requests a move from opp
// after each move that leaves the history at odd length (the opponent answers the side that
// moved first), provided opp is ready; once the opponent replies, it arms the manager to
// guide the human through playing it out physically.
func wireOpponentLoop(ctx context.Context, mgr *gamemanager.Manager, opp opponent.Opponent) {
	var history []string

	mgr.OnMove(func(m board.Move) {
		history = append(history, m.String())

		// Single-opponent setup: the opponent plays every move after an odd-length
		// history, i.e. always replies to the other side.
		if len(history)%2 != 1 || opp.State() != opponent.Ready {
			return
		}
		go func(h []string) {
			uci, err := opp.Move(ctx, h)
			if err != nil {
				logw.Errorf(ctx, "centaurd: opponent move failed: %v", err)
				return
			}
			mgr.SetComputerMove(uci)
		}(append([]string(nil), history...))
	})
}

func wireBoardEvents(ctx context.Context, c *controller.Controller, mgr *gamemanager.Manager) {
	c.OnPieceEvent(func(e controller.PieceEvent) {
		mgr.ReceiveField(ctx, e)
	})
	c.OnKeyEvent(func(e controller.KeyEvent) {
		mgr.ReceiveKey(e)
	})
	c.SetFailureCallback(func() {
		logw.Errorf(ctx, "centaurd: checksum failure on state response, manager should reconcile")
	})
}

// panelDriver adapts the framebuffer's Present step to refresh.Driver. The actual e-paper
// wire command for a region isn't part of the documented bus protocol here, so this marks
// the region presented without yet emitting a panel-specific command.
type panelDriver struct {
	fb *display.Framebuffer
}

func (p panelDriver) Refresh(ctx context.Context, plan refresh.Plan) error {
	p.fb.Present()
	return nil
}
