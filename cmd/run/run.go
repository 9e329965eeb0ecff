package run

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.tesserae.dev/trellis/layout"
	"go.tesserae.dev/trellis/multicast"
	"go.tesserae.dev/trellis/registry"
	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/sst"
	"go.tesserae.dev/trellis/transport"
	"go.tesserae.dev/trellis/view"
	"go.tesserae.dev/trellis/viewmanager"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func Generate() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run a group member",
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:     "id",
				Usage:    "node ID, unique within the group",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "advertised IPv4 address",
				Value: "127.0.0.1",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "group membership port, shared by every member",
				Value: 28968,
			},
			&cli.StringFlag{
				Name:  "data",
				Usage: "data directory for the view slot, trims, and object logs",
				Value: "data",
			},
			&cli.StringFlag{
				Name:  "join",
				Usage: "contact address of an existing member; omit to lead a new group",
			},
			&cli.StringFlag{
				Name:      "config",
				Usage:     "optional yaml file overriding protocol knobs",
				TakesFile: true,
			},
		},
		Action: runNode,
	}
}

func runNode(ctx *cli.Context) error {
	logger := ctx.App.Metadata["logger"].(*zap.Logger)

	fileCfg, err := loadFileConfig(ctx.String("config"))
	if err != nil {
		return err
	}

	store, err := registry.NewStore(logger.With(zap.String("component", "registry")), ctx.String("data"))
	if err != nil {
		return err
	}
	defer store.Close()

	bind := net.JoinHostPort(ctx.String("addr"), strconv.Itoa(ctx.Int("port")))
	listener, err := transport.Listen(bind)
	if err != nil {
		return err
	}

	cfg := viewmanager.Config{
		Logger:           logger.With(zap.String("component", "gms")),
		ID:               gms.NodeID(ctx.Uint("id")),
		Addr:             ctx.String("addr"),
		GroupPort:        ctx.Int("port"),
		Listener:         listener,
		Dialer:           transport.Dialer(5 * time.Second),
		Replicator:       sst.NewMemFabric(),
		MulticastFactory: multicast.NewNoop,
		Allocator:        layout.Single("state", gms.ModeOrdered, 1),
		Store:            store,
		Params: viewmanager.GroupParams{
			WindowSize:     fileCfg.WindowSize,
			MaxPayloadSize: fileCfg.MaxPayloadSize,
		},
		RestartTimeout:  fileCfg.RestartTimeout,
		RedirectLimit:   fileCfg.RedirectLimit,
		ChangesCapacity: fileCfg.ChangesCapacity,
	}

	var m *viewmanager.Manager
	if contact := ctx.String("join"); contact != "" {
		logger.Info("joining group", zap.String("contact", contact))
		m, err = viewmanager.NewFollower(cfg, contact)
	} else {
		logger.Info("leading group", zap.String("bind", bind))
		m, err = viewmanager.NewLeader(cfg)
	}
	if err != nil {
		listener.Close()
		return fmt.Errorf("bootstrapping group membership: %w", err)
	}

	m.AddViewUpcall(func(v *view.View) {
		logger.Info("view installed", zap.Int32("vid", int32(v.VID)), zap.String("view", v.String()))
	})

	if err := m.FinishSetup(); err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	m.Leave()
	return m.Close()
}
