package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/allen1211/pkv/internal/netw"
	"github.com/allen1211/pkv/pkg/client"
	"github.com/allen1211/pkv/pkg/client/etc"
	"github.com/allen1211/pkv/pkg/common"
)

func main() {
	cmd := &cli.Command{
		Name:  "pkvctl",
		Usage: "interactive console of a pkv cluster",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "client config file"},
			&cli.StringFlag{Name: "coordinator", Usage: "coordinator address, overrides the config"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			conf := etc.MakeDefaultClientConf()
			if path := cmd.String("config"); path != "" {
				var err error
				if conf, err = etc.ParseClientConf(path); err != nil {
					return err
				}
			}
			if addr := cmd.String("coordinator"); addr != "" {
				conf.Coordinator = addr
			}
			logger, err := common.InitLogger(conf.LogLevel, "pkvctl")
			if err != nil {
				return err
			}
			ck := client.MakeKvClerk(netw.RpcxNetwork{}, conf.Coordinator, logger)
			defer ck.Close()
			client.MakeConsoleClient(ck, os.Stdin, os.Stdout).Start()
			return nil
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
