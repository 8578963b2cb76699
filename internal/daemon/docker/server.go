package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"

	daemonerrors "github.com/aesterisk/aesterisk/internal/daemon/errors"
	"github.com/aesterisk/aesterisk/internal/packet"
)

// CreateServer materializes one server from a sync snapshot: envs are
// validated against their definitions, mounts are normalized under the
// server's data root, the image is pulled, and the container is created
// and started with the daemon's labels, fixed network IPs and port
// bindings. Returns the engine container id.
func (c *Client) CreateServer(ctx context.Context, server packet.Server) (string, error) {
	envs, err := ValidateEnvs(server.Envs, server.Tag.EnvDefs)
	if err != nil {
		return "", err
	}

	mounts, err := c.buildMounts(server)
	if err != nil {
		return "", err
	}

	if err := c.pullImage(ctx, server.Tag.Image, server.Tag.DockerTag); err != nil {
		return "", err
	}

	exposedPorts, portBindings, err := buildPorts(server.Ports)
	if err != nil {
		return "", err
	}

	networking, err := c.buildNetworking(ctx, server)
	if err != nil {
		return "", err
	}

	name := serverName(server.ID)
	c.log.Debug().Str("name", name).Msg("Creating container")

	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Hostname:     name,
			Tty:          true,
			Env:          envs,
			Image:        server.Tag.Image + ":" + server.Tag.DockerTag,
			ExposedPorts: exposedPorts,
			Labels: map[string]string{
				labelVersion:  schemaVersion,
				labelServerID: strconv.FormatUint(uint64(server.ID), 10),
			},
			Healthcheck: &container.HealthConfig{
				Test:     server.Tag.Healthcheck.Test,
				Interval: time.Duration(server.Tag.Healthcheck.Interval) * time.Millisecond,
				Timeout:  time.Duration(server.Tag.Healthcheck.Timeout) * time.Millisecond,
				Retries:  int(server.Tag.Healthcheck.Retries),
			},
		},
		&container.HostConfig{
			NetworkMode: "none",
			RestartPolicy: container.RestartPolicy{
				Name: "unless-stopped",
			},
			PortBindings: portBindings,
			Mounts:       mounts,
		},
		networking,
		nil,
		name,
	)
	if err != nil {
		return "", fmt.Errorf("could not create Docker container: %w", err)
	}

	c.log.Debug().Str("id", resp.ID).Msg("Created container")

	if err := c.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("could not start Docker container: %w", err)
	}

	c.log.Debug().Str("id", resp.ID).Msg("Started container")

	return resp.ID, nil
}

// buildMounts validates and normalizes the tag's declared bind mounts.
// Paths resolving outside the server's data root are silently dropped.
func (c *Client) buildMounts(server packet.Server) ([]mount.Mount, error) {
	if len(server.Tag.Mounts) == 0 {
		return nil, nil
	}

	dataRoot := ServerDataRoot(c.dataRoot, server.ID)
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return nil, fmt.Errorf("could not create data directory: %w", err)
	}

	mounts := make([]mount.Mount, 0, len(server.Tag.Mounts))
	for _, m := range server.Tag.Mounts {
		c.log.Debug().Str("host_path", m.HostPath).Msg("Validating mount host path")

		source, ok := NormalizeHostPath(dataRoot, m.HostPath)
		if !ok {
			c.log.Debug().Str("host_path", m.HostPath).Msg("Mount is invalid, skipping")
			continue
		}

		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: source,
			Target: m.ContainerPath,
			BindOptions: &mount.BindOptions{
				CreateMountpoint: true,
			},
		})
	}

	return mounts, nil
}

// buildPorts converts the declared port mappings into the engine's nat
// types.
func buildPorts(ports []packet.Port) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}

	for _, p := range ports {
		proto, err := p.Protocol.Name()
		if err != nil {
			return nil, nil, err
		}

		port, err := nat.NewPort(proto, strconv.FormatUint(uint64(p.Port), 10))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %d/%s: %w", p.Port, proto, err)
		}

		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{
			{
				HostIP:   "",
				HostPort: strconv.FormatUint(uint64(p.Mapped), 10),
			},
		}
	}

	return exposed, bindings, nil
}

// buildNetworking attaches the server to its declared networks with fixed
// IPs, or to the NICC bridge when it declares none.
func (c *Client) buildNetworking(ctx context.Context, server packet.Server) (*network.NetworkingConfig, error) {
	if len(server.Networks) == 0 {
		c.log.Debug().Msg("Obtaining or creating NICC network")
		nicc, err := c.GetNICC(ctx)
		if err != nil {
			return nil, err
		}

		return &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				nicc: {},
			},
		}, nil
	}

	endpoints := make(map[string]*network.EndpointSettings, len(server.Networks))
	for _, sn := range server.Networks {
		nw, err := c.getDockerNetwork(ctx, sn.Network)
		if err != nil {
			return nil, err
		}
		if nw == nil {
			return nil, fmt.Errorf("network %d does not exist on the engine", sn.Network)
		}
		if len(nw.IPAM.Config) == 0 {
			return nil, fmt.Errorf("network %d has no IPAM config", sn.Network)
		}

		subnet, err := subnetOctet(nw.IPAM.Config[0].Subnet)
		if err != nil {
			return nil, err
		}

		endpoints[networkName(sn.Network)] = &network.EndpointSettings{
			IPAMConfig: &network.EndpointIPAMConfig{
				IPv4Address: fmt.Sprintf("10.133.%d.%d", subnet, sn.IP),
			},
		}
	}

	return &network.NetworkingConfig{EndpointsConfig: endpoints}, nil
}

// pullImage pulls image:tag and drains the progress stream.
func (c *Client) pullImage(ctx context.Context, image, tag string) error {
	ref := image + ":" + tag
	c.log.Debug().Str("image", ref).Msg("Pulling image")

	reader, err := c.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("could not create Docker image: %w", err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("could not read pull response: %w", err)
	}

	return nil
}

// GetServer finds the daemon-owned container for a server id via its
// labels. Returns nil when absent.
func (c *Client) GetServer(ctx context.Context, id uint32) (*types.Container, error) {
	containers, err := c.cli.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", fmt.Sprintf("%s=%d", labelServerID, id)),
			filters.Arg("label", labelVersion+"="+schemaVersion),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("could not get containers from Docker: %w", err)
	}

	if len(containers) == 0 {
		return nil, nil
	}

	return &containers[0], nil
}

// ServerExists reports whether the server's container is present.
func (c *Client) ServerExists(ctx context.Context, id uint32) (bool, error) {
	ct, err := c.GetServer(ctx, id)
	if err != nil {
		return false, err
	}
	return ct != nil, nil
}

// StopServer stops and removes the server's container.
func (c *Client) StopServer(ctx context.Context, id uint32) error {
	ct, err := c.GetServer(ctx, id)
	if err != nil {
		return err
	}
	if ct == nil {
		return daemonerrors.ErrServerNotFound
	}

	if err := c.cli.ContainerStop(ctx, ct.ID, container.StopOptions{}); err != nil {
		return fmt.Errorf("could not stop Docker container: %w", err)
	}

	if err := c.cli.ContainerRemove(ctx, ct.ID, types.ContainerRemoveOptions{}); err != nil {
		return fmt.Errorf("could not remove Docker container: %w", err)
	}

	return nil
}

// RestartServer restarts the server's container.
func (c *Client) RestartServer(ctx context.Context, id uint32) error {
	ct, err := c.GetServer(ctx, id)
	if err != nil {
		return err
	}
	if ct == nil {
		return daemonerrors.ErrServerNotFound
	}

	if err := c.cli.ContainerRestart(ctx, ct.ID, container.StopOptions{}); err != nil {
		return fmt.Errorf("could not restart Docker container: %w", err)
	}

	return nil
}

// ServerStatsStream opens a streaming stats subscription on the server's
// container. The caller decodes and closes the body.
func (c *Client) ServerStatsStream(ctx context.Context, id uint32) (io.ReadCloser, error) {
	stats, err := c.cli.ContainerStats(ctx, serverName(id), true)
	if err != nil {
		return nil, fmt.Errorf("could not get stats: %w", err)
	}

	return stats.Body, nil
}

// InspectServer inspects the server's container by name, including its
// filesystem size.
func (c *Client) InspectServer(ctx context.Context, id uint32) (types.ContainerJSON, error) {
	inspect, _, err := c.cli.ContainerInspectWithRaw(ctx, serverName(id), true)
	if err != nil {
		return types.ContainerJSON{}, fmt.Errorf("could not inspect container: %w", err)
	}

	return inspect, nil
}

// IsRunning reports whether the server's container state is "running".
func (c *Client) IsRunning(ctx context.Context, id uint32) (bool, error) {
	ct, err := c.GetServer(ctx, id)
	if err != nil {
		return false, err
	}
	if ct == nil {
		return false, daemonerrors.ErrServerNotFound
	}

	return ct.State == "running", nil
}
