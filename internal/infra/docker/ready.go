package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/client"
)

// WaitReady pings the daemon until it answers. Connection failures are
// retried every second; any other error is returned.
func WaitReady(ctx context.Context, cli *client.Client) error {
	log := slog.With("component", "docker")
	if _, err := cli.Ping(ctx); err == nil {
		return nil
	} else if !client.IsErrConnectionFailed(err) {
		return fmt.Errorf("connect to docker daemon: %w", err)
	}

	log.Info("waiting for the Docker daemon", "host", cli.DaemonHost())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := cli.Ping(ctx)
			if err == nil {
				log.Info("docker daemon reachable")
				return nil
			}
			if !client.IsErrConnectionFailed(err) {
				log.Error("ping failed", "err", err)
				return fmt.Errorf("connect to docker daemon: %w", err)
			}
		}
	}
}
