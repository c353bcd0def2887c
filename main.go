// Command ibcp copies one file between two hosts over an InfiniBand/RoCE
// fabric. "ibcp send <peer> <file>" pushes a file to a waiting peer;
// "ibcp recv" serves exactly one incoming transfer and writes it to the
// configured artifact, then exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ibcp send [-config file] <peer-address> <source-file> | ibcp recv [-config file]")
	}

	switch args[0] {
	case "send":
		fs := flag.NewFlagSet("send", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to a TOML configuration file")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if fs.NArg() != 2 {
			return fmt.Errorf("usage: ibcp send [-config file] <peer-address> <source-file>")
		}
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		logrus.SetLevel(cfg.LogLevel)
		return runInitiator(ctx, cfg, fs.Arg(0), fs.Arg(1))

	case "recv":
		fs := flag.NewFlagSet("recv", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to a TOML configuration file")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if fs.NArg() != 0 {
			return fmt.Errorf("usage: ibcp recv [-config file]")
		}
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		logrus.SetLevel(cfg.LogLevel)
		return runResponder(ctx, cfg)

	default:
		return fmt.Errorf("unknown command %q, expected \"send\" or \"recv\"", args[0])
	}
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logrus.WithField("signal", sig).Info("shutting down")
		cancel()
	}()

	if err := run(ctx, os.Args[1:]); err != nil {
		logrus.WithError(err).Error("transfer failed")
		os.Exit(1)
	}
}
