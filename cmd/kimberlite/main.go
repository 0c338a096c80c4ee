// Command kimberlite starts one replica process of a Kimberlite
// cluster: it loads the TOML configuration named by --config, opens
// every durable subsystem, and runs the VSR timeout loop until
// interrupted.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/urfave/cli/v2"

	"github.com/kimberlitedb/kimberlite-sub000/internal/config"
	"github.com/kimberlitedb/kimberlite-sub000/internal/ids"
	"github.com/kimberlitedb/kimberlite-sub000/internal/kimberlite"
	"github.com/kimberlitedb/kimberlite-sub000/internal/log"
	"github.com/kimberlitedb/kimberlite-sub000/internal/vsr"
)

func main() {
	app := &cli.App{
		Name:  "kimberlite",
		Usage: "single-writer, hash-chained, VSR-replicated compliance database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "path to the cluster TOML config file",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "redirect process logs to a rotating file instead of stderr",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "trace, debug, info, warn, error, or crit",
				Value: "info",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "kimberlite:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if err := applyLoggingFlags(c); err != nil {
		return err
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	peers, err := dialPeers(cfg)
	if err != nil {
		return err
	}

	node, err := kimberlite.Open(cfg, peers, log.Root().New("replica", cfg.ReplicaID))
	if err != nil {
		return err
	}
	defer func() { _ = node.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	addr, err := listenAddr(cfg)
	if err != nil {
		return err
	}

	server := node.Server(peers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return acceptLoop(gctx, addr, server) })
	g.Go(func() error { return server.Run(gctx) })
	return g.Wait()
}

func applyLoggingFlags(c *cli.Context) error {
	if path := c.String("log-file"); path != "" {
		log.WithFileSink(path, 100, 10, 30)
	}
	switch c.String("log-level") {
	case "trace":
		log.SetLevel(log.LvlTrace)
	case "debug":
		log.SetLevel(log.LvlDebug)
	case "info":
		log.SetLevel(log.LvlInfo)
	case "warn":
		log.SetLevel(log.LvlWarn)
	case "error":
		log.SetLevel(log.LvlError)
	case "crit":
		log.SetLevel(log.LvlCrit)
	default:
		return fmt.Errorf("kimberlite: unknown log level %q", c.String("log-level"))
	}
	return nil
}

// dialPeers builds a vsr.Peer for every configured peer other than
// this replica's own id. Nothing is dialed here: each peer dials on its
// first Send and re-dials after a failed send, so a peer may come up
// after this replica does.
func dialPeers(cfg config.Config) (map[ids.ReplicaId]vsr.Peer, error) {
	peers := make(map[ids.ReplicaId]vsr.Peer, len(cfg.Peers))
	for _, p := range cfg.Peers {
		id := ids.ReplicaId(p.ID)
		if id == cfg.Self() {
			continue
		}
		peers[id] = newDialedPeer(p.Address, cfg.Self())
	}
	return peers, nil
}

// listenAddr is this replica's own configured address, found by
// matching its id in the peer list.
func listenAddr(cfg config.Config) (string, error) {
	for _, p := range cfg.Peers {
		if ids.ReplicaId(p.ID) == cfg.Self() {
			return p.Address, nil
		}
	}
	return "", fmt.Errorf("kimberlite: replica_id %d has no address in peers", cfg.ReplicaID)
}

// acceptLoop accepts peer connections and dispatches every message a
// connection carries to server.HandleMessage, until the listener is
// closed (by ctx cancellation, via go's context-close-on-done idiom
// below).
func acceptLoop(ctx context.Context, addr string, server *vsr.Server) error {
	ln, err := vsr.Listen(addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go serveConn(conn, server)
	}
}

func serveConn(conn net.Conn, server *vsr.Server) {
	defer conn.Close()
	from, err := acceptHandshake(conn)
	if err != nil {
		return
	}
	transport := vsr.NewTransport()
	for {
		m, err := transport.Recv(conn)
		if err != nil {
			return
		}
		server.HandleMessage(from, m)
	}
}
