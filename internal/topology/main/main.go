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
	"github.com/allen1211/pkv/internal/topology"
)

func main() {
	cmd := &cli.Command{
		Name:  "pkvcoord",
		Usage: "run the topology coordinator of a pkv cluster",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "c", Usage: "config file path", Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			conf, err := etc.ParseCoordinatorConf(cmd.String("c"))
			if err != nil {
				return err
			}
			c := topology.MakeCoordinator(conf)
			if err := c.StartServer(netw.RpcxNetwork{}); err != nil {
				return err
			}

			sigC := make(chan os.Signal, 1)
			signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-c.KilledC:
			case sig := <-sigC:
				log.Infof("coordinator received %v, shutting down", sig)
				c.Kill()
			}
			return nil
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
