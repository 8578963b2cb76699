package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"

	daemonerrors "github.com/aesterisk/aesterisk/internal/daemon/errors"
	"github.com/aesterisk/aesterisk/internal/packet"
)

// niccName is the singleton "no inter-container communication" bridge that
// servers without declared networks are attached to.
const niccName = "ae_nicc"

// CreateNetwork creates the bridge network ae_nw_{id} with the /24 subnet
// 10.133.{subnet}.0/24 and the daemon's ownership labels.
func (c *Client) CreateNetwork(ctx context.Context, id uint32, subnet uint8) (string, error) {
	c.log.Debug().Uint32("network", id).Msg("Creating network")

	resp, err := c.cli.NetworkCreate(ctx, networkName(id), types.NetworkCreate{
		CheckDuplicate: true,
		Driver:         "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{
				{Subnet: fmt.Sprintf("10.133.%d.0/24", subnet)},
			},
		},
		Labels: map[string]string{
			labelNetworkVersion: schemaVersion,
			labelNetworkID:      strconv.FormatUint(uint64(id), 10),
			labelNetworkNICC:    "0",
		},
	})
	if err != nil {
		return "", fmt.Errorf("could not create docker network: %w", err)
	}

	return resp.ID, nil
}

// getDockerNetwork looks a network up by its id label.
func (c *Client) getDockerNetwork(ctx context.Context, id uint32) (*types.NetworkResource, error) {
	networks, err := c.cli.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", fmt.Sprintf("%s=%d", labelNetworkID, id)),
			filters.Arg("label", labelNetworkVersion+"="+schemaVersion),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("could not get networks from Docker: %w", err)
	}

	if len(networks) == 0 {
		return nil, nil
	}

	return &networks[0], nil
}

// NetworkExists reports whether the daemon-owned network with the given id
// exists on the engine.
func (c *Client) NetworkExists(ctx context.Context, id uint32) (bool, error) {
	nw, err := c.getDockerNetwork(ctx, id)
	if err != nil {
		return false, err
	}
	return nw != nil, nil
}

// EnsureNetwork creates the network when it is absent.
func (c *Client) EnsureNetwork(ctx context.Context, nw packet.Network) error {
	exists, err := c.NetworkExists(ctx, nw.ID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	id, err := c.CreateNetwork(ctx, nw.ID, nw.Subnet)
	if err != nil {
		return err
	}

	c.log.Debug().Uint32("network", nw.ID).Str("id", id).Msg("Created network")
	return nil
}

// DeleteNetwork removes a daemon-owned network.
func (c *Client) DeleteNetwork(ctx context.Context, id uint32) error {
	nw, err := c.getDockerNetwork(ctx, id)
	if err != nil {
		return err
	}
	if nw == nil {
		return daemonerrors.ErrNetworkNotFound
	}

	if err := c.cli.NetworkRemove(ctx, nw.ID); err != nil {
		return fmt.Errorf("could not remove Docker network: %w", err)
	}

	return nil
}

// GetNetworks reports every daemon-owned (non-NICC) network on the engine
// in packet shape, parsing the id from the label and the subnet octet from
// the IPAM config.
func (c *Client) GetNetworks(ctx context.Context) ([]packet.Network, error) {
	networks, err := c.cli.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", labelNetworkVersion),
			filters.Arg("label", labelNetworkNICC+"=0"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("could not get networks from Docker: %w", err)
	}

	out := make([]packet.Network, 0, len(networks))
	for _, nw := range networks {
		id, err := strconv.ParseUint(nw.Labels[labelNetworkID], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("could not parse network ID: %w", err)
		}

		if len(nw.IPAM.Config) == 0 {
			return nil, fmt.Errorf("network %d has no IPAM config", id)
		}
		subnet, err := subnetOctet(nw.IPAM.Config[0].Subnet)
		if err != nil {
			return nil, err
		}

		out = append(out, packet.Network{ID: uint32(id), Subnet: subnet})
	}

	return out, nil
}

// subnetOctet extracts the third octet from a 10.133.{s}.0/24 subnet
// string.
func subnetOctet(subnet string) (uint8, error) {
	parts := strings.Split(subnet, ".")
	if len(parts) < 3 {
		return 0, fmt.Errorf("failed to parse subnet from %q", subnet)
	}

	octet, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return 0, fmt.Errorf("could not parse network subnet: %w", err)
	}

	return uint8(octet), nil
}

// GetNICC returns the NICC bridge's engine id, creating the network lazily
// on first use.
func (c *Client) GetNICC(ctx context.Context) (string, error) {
	networks, err := c.cli.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", labelNetworkVersion+"="+schemaVersion),
			filters.Arg("label", labelNetworkNICC+"=1"),
		),
	})
	if err != nil {
		return "", fmt.Errorf("could not get networks from Docker: %w", err)
	}

	if len(networks) > 0 {
		return networks[0].ID, nil
	}

	return c.createNICC(ctx)
}

// createNICC creates the singleton bridge with inter-container
// communication disabled.
func (c *Client) createNICC(ctx context.Context) (string, error) {
	c.log.Debug().Msg("Creating NICC network")

	resp, err := c.cli.NetworkCreate(ctx, niccName, types.NetworkCreate{
		CheckDuplicate: true,
		Driver:         "bridge",
		Labels: map[string]string{
			labelNetworkVersion: schemaVersion,
			labelNetworkNICC:    "1",
		},
		Options: map[string]string{
			"com.docker.network.bridge.enable_icc": "false",
		},
	})
	if err != nil {
		return "", fmt.Errorf("could not create NICC network: %w", err)
	}

	return resp.ID, nil
}
