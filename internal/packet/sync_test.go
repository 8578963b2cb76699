package packet

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSDSyncOneLetterKeys(t *testing.T) {
	pk := SDSyncPacket{
		Networks: []Network{{ID: 7, Subnet: 3}},
		Servers: []Server{
			{
				ID: 1,
				Tag: Tag{
					Image:     "nginx",
					DockerTag: "latest",
					Healthcheck: Healthcheck{
						Test:     []string{"CMD", "curl", "-f", "http://localhost/"},
						Interval: 30000,
						Timeout:  5000,
						Retries:  3,
					},
					Mounts:  []Mount{},
					EnvDefs: []EnvDef{},
				},
				Envs:     []Env{},
				Networks: []ServerNetwork{{Network: 7, IP: 5}},
				Ports:    []Port{{Port: 80, Protocol: Tcp, Mapped: 8080}},
			},
		},
	}

	raw, err := json.Marshal(pk)
	require.NoError(t, err)

	expected := `{
		"n": [{"i": 7, "s": 3}],
		"s": [{
			"i": 1,
			"t": {
				"i": "nginx",
				"d": "latest",
				"h": {"t": ["CMD", "curl", "-f", "http://localhost/"], "i": 30000, "m": 5000, "r": 3},
				"m": [],
				"e": []
			},
			"e": [],
			"n": [{"n": 7, "i": 5}],
			"p": [{"p": 80, "r": 0, "m": 8080}]
		}]
	}`
	assert.JSONEq(t, expected, string(raw))
}

func TestSDSyncRoundTrip(t *testing.T) {
	def := "8080"
	re := "^[0-9]+$"
	min := int64(1)
	max := int64(65535)

	pk := SDSyncPacket{
		Networks: []Network{{ID: 1, Subnet: 0}, {ID: 2, Subnet: 255}},
		Servers: []Server{
			{
				ID: 9,
				Tag: Tag{
					Image:       "postgres",
					DockerTag:   "16",
					Healthcheck: Healthcheck{Test: []string{"NONE"}},
					Mounts:      []Mount{{ContainerPath: "/var/lib/postgresql/data", HostPath: "pgdata"}},
					EnvDefs: []EnvDef{
						{Key: "PORT", Required: false, Type: EnvNumber, Default: &def, Regex: &re, Min: &min, Max: &max, Trim: true},
					},
				},
				Envs:     []Env{{Key: "PORT", Value: "5432"}},
				Networks: []ServerNetwork{},
				Ports:    []Port{{Port: 5432, Protocol: Udp, Mapped: 15432}},
			},
		},
	}

	p, err := pk.ToPacket()
	require.NoError(t, err)
	assert.Equal(t, SDSync, p.ID)

	decoded, err := ParseSDSync(p)
	require.NoError(t, err)
	assert.Equal(t, pk, decoded)
}

func TestProtocolNames(t *testing.T) {
	name, err := Tcp.Name()
	require.NoError(t, err)
	assert.Equal(t, "tcp", name)

	name, err = Udp.Name()
	require.NoError(t, err)
	assert.Equal(t, "udp", name)

	_, err = Protocol(9).Name()
	assert.Error(t, err)
}
