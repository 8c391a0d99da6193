package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/allen1211/pkv/internal/etc"
	"github.com/allen1211/pkv/internal/netw"
	"github.com/allen1211/pkv/internal/node"
)

func main() {
	cmd := &cli.Command{
		Name:  "pkvnode",
		Usage: "run one storage node of a pkv cluster",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "c", Usage: "config file path", Required: true},
			&cli.BoolFlag{Name: "leave", Usage: "leave the cluster on SIGINT/SIGTERM instead of just stopping"},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	conf, err := etc.ParseNodeConf(cmd.String("c"))
	if err != nil {
		return err
	}
	n, jf, err := node.Start(&conf, node.Deps{Network: netw.RpcxNetwork{}})
	if err != nil {
		return err
	}
	go func() {
		if err := jf.Wait(ctx); err != nil {
			log.Warnf("node %d join: %v", conf.NodeId, err)
			return
		}
		log.Infof("node %d owns every partition assigned to it", conf.NodeId)
	}()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-n.KilledC:
		return nil
	case sig := <-sigC:
		log.Infof("node %d received %v, shutting down", conf.NodeId, sig)
	}
	if cmd.Bool("leave") {
		if err := n.Leave(ctx); err != nil {
			log.Warnf("node %d leave: %v", conf.NodeId, err)
		}
	}
	return n.Close()
}
