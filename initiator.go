package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ibcp/ibcp/rdma"
	"github.com/ibcp/ibcp/transfer"
)

// runInitiator pushes one local file to the responder at addr: connect,
// announce the total length, stream the chunks, tear everything down.
func runInitiator(ctx context.Context, cfg config, addr, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("source %s is a directory", path)
	}
	size := uint64(info.Size())

	conn, err := rdma.Dial(addr, cfg.Port, cfg.BufferSize, cfg.ResolveTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("connection teardown reported errors")
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"file":  path,
		"bytes": size,
		"peer":  addr,
	}).Info("sending file")

	start := time.Now()
	dgst, err := transfer.Send(conn, f, size)
	if err != nil {
		return fmt.Errorf("send %s: %w", path, err)
	}
	elapsed := time.Since(start)

	logrus.WithFields(logrus.Fields{
		"bytes":     size,
		"digest":    dgst,
		"elapsed":   elapsed.Round(time.Millisecond),
		"rate_mbps": fmt.Sprintf("%.2f", rateMBps(size, elapsed)),
	}).Info("file sent")
	return nil
}

func rateMBps(bytes uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds() / 1024 / 1024
}
