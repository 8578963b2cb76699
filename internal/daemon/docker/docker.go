// Package docker reconciles sync snapshots against the local container
// engine. Container and network labels (io.aesterisk.*) are the ground
// truth for what exists; the daemon keeps no local database.
package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/aesterisk/aesterisk/internal/logger"
)

// Labels stamped on every resource the daemon owns.
const (
	labelVersion        = "io.aesterisk.server.version"
	labelServerID       = "io.aesterisk.server.id"
	labelNetworkVersion = "io.aesterisk.network.version"
	labelNetworkID      = "io.aesterisk.network.id"
	labelNetworkNICC    = "io.aesterisk.network.nicc"

	// schemaVersion is the io.aesterisk.*version label value; bump it when
	// the label layout changes so stale resources stop matching.
	schemaVersion = "0"
)

// Client wraps the engine SDK handle together with the daemon's data root
// for bind mounts. Initialized once per process.
type Client struct {
	cli      *client.Client
	dataRoot string
	log      zerolog.Logger
}

// New connects to the local engine and verifies it answers. dataRoot is
// the directory under which per-server mount roots (data/<id>/) live.
func New(ctx context.Context, dataRoot string) (*Client, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("could not connect to socket: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("could not connect to Docker daemon: %w", err)
	}

	return &Client{
		cli:      cli,
		dataRoot: dataRoot,
		log:      *logger.Docker(),
	}, nil
}

// NewWithClient wraps an existing SDK client; used by tests.
func NewWithClient(cli *client.Client, dataRoot string) *Client {
	return &Client{
		cli:      cli,
		dataRoot: dataRoot,
		log:      *logger.Docker(),
	}
}

// Close releases the engine handle.
func (c *Client) Close() error {
	return c.cli.Close()
}

func serverName(id uint32) string {
	return fmt.Sprintf("ae_sv_%d", id)
}

func networkName(id uint32) string {
	return fmt.Sprintf("ae_nw_%d", id)
}
