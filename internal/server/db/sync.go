package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/aesterisk/aesterisk/internal/packet"
)

// networksQuery returns every network the daemon's node participates in.
const networksQuery = `
	SELECT n.network_id, n.network_subnet
	FROM aesterisk.networks n
	JOIN aesterisk.node_networks nn ON nn.network_id = n.network_id
	JOIN aesterisk.nodes node ON node.node_id = nn.node_id
	WHERE node.node_uuid = $1
	ORDER BY n.network_id`

// serversQuery returns one row per server targeted at the daemon's node.
// The collections are aggregated to JSON in the database so a server with
// no envs, ports, mounts or networks still produces a row, with '[]' for
// each empty collection. The aggregated keys are the one-letter wire names,
// so the rows fold straight into the packet shape.
const serversQuery = `
	SELECT
		s.server_id,
		t.tag_image,
		t.tag_docker_tag,
		t.tag_healthcheck_test,
		t.tag_healthcheck_interval,
		t.tag_healthcheck_timeout,
		t.tag_healthcheck_retries,
		COALESCE((
			SELECT json_agg(json_build_object('c', m.mount_container_path, 'h', m.mount_host_path) ORDER BY m.mount_id)
			FROM aesterisk.mounts m
			JOIN aesterisk.tag_mounts tm ON tm.mount_id = m.mount_id
			WHERE tm.tag_id = t.tag_id
		), '[]') AS mounts,
		COALESCE((
			SELECT json_agg(json_build_object(
				'k', ed.env_def_key,
				'r', ed.env_def_required,
				't', ed.env_def_type,
				'd', ed.env_def_default,
				'x', ed.env_def_regex,
				'm', ed.env_def_min,
				'a', ed.env_def_max,
				'i', ed.env_def_trim
			) ORDER BY ed.env_def_id)
			FROM aesterisk.env_defs ed
			JOIN aesterisk.tag_env_defs ted ON ted.env_def_id = ed.env_def_id
			WHERE ted.tag_id = t.tag_id
		), '[]') AS env_defs,
		COALESCE((
			SELECT json_agg(json_build_object('k', e.env_key, 'v', e.env_value) ORDER BY e.env_id)
			FROM aesterisk.envs e
			JOIN aesterisk.server_envs se ON se.env_id = e.env_id
			WHERE se.server_id = s.server_id
		), '[]') AS envs,
		COALESCE((
			SELECT json_agg(json_build_object('n', sn.network_id, 'i', sn.server_network_ip) ORDER BY sn.network_id)
			FROM aesterisk.server_networks sn
			WHERE sn.server_id = s.server_id
		), '[]') AS networks,
		COALESCE((
			SELECT json_agg(json_build_object('p', p.port_port, 'r', p.port_protocol, 'm', p.port_mapped) ORDER BY p.port_id)
			FROM aesterisk.ports p
			JOIN aesterisk.server_ports sp ON sp.port_id = p.port_id
			WHERE sp.server_id = s.server_id
		), '[]') AS ports
	FROM aesterisk.servers s
	JOIN aesterisk.tags t ON t.tag_id = s.server_tag
	JOIN aesterisk.node_servers ns ON ns.server_id = s.server_id
	JOIN aesterisk.nodes node ON node.node_id = ns.node_id
	WHERE node.node_uuid = $1
	ORDER BY s.server_id`

// SyncSnapshot computes the authoritative desired state for one daemon's
// node: the networks it must ensure and the full description of every
// container that must be present. Two read-only queries, folded into the
// one-letter-keyed packet shape.
func (d *Database) SyncSnapshot(ctx context.Context, daemonUUID uuid.UUID) (packet.SDSyncPacket, error) {
	snapshot := packet.SDSyncPacket{
		Networks: make([]packet.Network, 0),
		Servers:  make([]packet.Server, 0),
	}

	rows, err := d.db.QueryContext(ctx, networksQuery, daemonUUID)
	if err != nil {
		return snapshot, fmt.Errorf("failed to query networks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var nw packet.Network
		if err := rows.Scan(&nw.ID, &nw.Subnet); err != nil {
			return snapshot, fmt.Errorf("failed to scan network row: %w", err)
		}
		snapshot.Networks = append(snapshot.Networks, nw)
	}
	if err := rows.Err(); err != nil {
		return snapshot, fmt.Errorf("failed to read network rows: %w", err)
	}

	serverRows, err := d.db.QueryContext(ctx, serversQuery, daemonUUID)
	if err != nil {
		return snapshot, fmt.Errorf("failed to query servers: %w", err)
	}
	defer serverRows.Close()

	for serverRows.Next() {
		server, err := scanServer(serverRows)
		if err != nil {
			return snapshot, err
		}
		snapshot.Servers = append(snapshot.Servers, server)
	}
	if err := serverRows.Err(); err != nil {
		return snapshot, fmt.Errorf("failed to read server rows: %w", err)
	}

	return snapshot, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanServer folds one aggregated row into the packet shape.
func scanServer(row rowScanner) (packet.Server, error) {
	var server packet.Server
	var test pq.StringArray
	var mounts, envDefs, envs, networks, ports []byte

	err := row.Scan(
		&server.ID,
		&server.Tag.Image,
		&server.Tag.DockerTag,
		&test,
		&server.Tag.Healthcheck.Interval,
		&server.Tag.Healthcheck.Timeout,
		&server.Tag.Healthcheck.Retries,
		&mounts,
		&envDefs,
		&envs,
		&networks,
		&ports,
	)
	if err != nil {
		return server, fmt.Errorf("failed to scan server row: %w", err)
	}

	server.Tag.Healthcheck.Test = test

	if err := json.Unmarshal(mounts, &server.Tag.Mounts); err != nil {
		return server, fmt.Errorf("failed to decode mounts: %w", err)
	}
	if err := json.Unmarshal(envDefs, &server.Tag.EnvDefs); err != nil {
		return server, fmt.Errorf("failed to decode env defs: %w", err)
	}
	if err := json.Unmarshal(envs, &server.Envs); err != nil {
		return server, fmt.Errorf("failed to decode envs: %w", err)
	}
	if err := json.Unmarshal(networks, &server.Networks); err != nil {
		return server, fmt.Errorf("failed to decode networks: %w", err)
	}
	if err := json.Unmarshal(ports, &server.Ports); err != nil {
		return server, fmt.Errorf("failed to decode ports: %w", err)
	}

	return server, nil
}
