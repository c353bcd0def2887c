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

// runResponder serves exactly one incoming transfer and persists it to the
// configured artifact. Bytes written before a failure are left in place;
// there is no partial-transfer rollback.
func runResponder(ctx context.Context, cfg config) error {
	ln, err := rdma.Listen(cfg.Port, cfg.BufferSize)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ln.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("listener teardown reported errors")
		}
	}()

	conn, err := ln.Accept()
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

	out, err := os.OpenFile(cfg.Artifact, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create artifact %s: %w", cfg.Artifact, err)
	}

	start := time.Now()
	total, dgst, err := transfer.Receive(conn, out)
	if err != nil {
		out.Close()
		return fmt.Errorf("receive into %s: %w", cfg.Artifact, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync artifact %s: %w", cfg.Artifact, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close artifact %s: %w", cfg.Artifact, err)
	}
	elapsed := time.Since(start)

	logrus.WithFields(logrus.Fields{
		"artifact":  cfg.Artifact,
		"bytes":     total,
		"digest":    dgst,
		"elapsed":   elapsed.Round(time.Millisecond),
		"rate_mbps": fmt.Sprintf("%.2f", rateMBps(total, elapsed)),
	}).Info("file received")
	return nil
}
