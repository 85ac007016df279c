package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"dealflow/server/cmd/matchctl/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(cli.DefaultBuilder(os.Stderr)).ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("Command failed")
		stop()
		os.Exit(1)
	}
}
