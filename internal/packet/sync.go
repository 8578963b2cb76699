package packet

import "fmt"

// The sync snapshot types use one-letter JSON keys to minimise the size of
// SDSync packets. The short names are wire-stable.

// Network describes a bridge network a daemon must ensure. The subnet octet
// expands to 10.133.{s}.0/24 on the node.
type Network struct {
	ID     uint32 `json:"i"`
	Subnet uint8  `json:"s"`
}

// Server fully describes a container that must be present on a node.
type Server struct {
	ID       uint32          `json:"i"`
	Tag      Tag             `json:"t"`
	Envs     []Env           `json:"e"`
	Networks []ServerNetwork `json:"n"`
	Ports    []Port          `json:"p"`
}

// Tag is the image-level description shared by servers created from it.
type Tag struct {
	Image       string      `json:"i"`
	DockerTag   string      `json:"d"`
	Healthcheck Healthcheck `json:"h"`
	Mounts      []Mount     `json:"m"`
	EnvDefs     []EnvDef    `json:"e"`
}

// Healthcheck parameters; interval and timeout are in milliseconds.
type Healthcheck struct {
	Test     []string `json:"t"`
	Interval uint64   `json:"i"`
	Timeout  uint64   `json:"m"`
	Retries  uint64   `json:"r"`
}

// Mount declares a bind mount. The host path is interpreted relative to the
// server's data root on the node.
type Mount struct {
	ContainerPath string `json:"c"`
	HostPath      string `json:"h"`
}

// EnvType is the declared type of an environment variable.
type EnvType uint8

const (
	EnvBoolean EnvType = 0
	EnvNumber  EnvType = 1
	EnvString  EnvType = 2
)

// EnvDef is the typed definition an environment value is validated against.
// Min and Max bound the numeric value for EnvNumber and the length for
// EnvString.
type EnvDef struct {
	Key      string  `json:"k"`
	Required bool    `json:"r"`
	Type     EnvType `json:"t"`
	Default  *string `json:"d"`
	Regex    *string `json:"x"`
	Min      *int64  `json:"m"`
	Max      *int64  `json:"a"`
	Trim     bool    `json:"i"`
}

// Env is a concrete environment key/value pair.
type Env struct {
	Key   string `json:"k"`
	Value string `json:"v"`
}

// ServerNetwork attaches a server to a network with a fixed IP octet:
// the container address is 10.133.{network subnet}.{ip}.
type ServerNetwork struct {
	Network uint32 `json:"n"`
	IP      uint8  `json:"i"`
}

// Protocol is the transport protocol of a port mapping.
type Protocol uint8

const (
	Tcp Protocol = 0
	Udp Protocol = 1
)

// Name returns the engine-facing protocol name.
func (p Protocol) Name() (string, error) {
	switch p {
	case Tcp:
		return "tcp", nil
	case Udp:
		return "udp", nil
	default:
		return "", fmt.Errorf("unknown protocol: %d", uint8(p))
	}
}

// Port maps a container port to a host port.
type Port struct {
	Port     uint16   `json:"p"`
	Protocol Protocol `json:"r"`
	Mapped   uint16   `json:"m"`
}

// SDSyncPacket is the authoritative desired state for one daemon's node.
type SDSyncPacket struct {
	Networks []Network `json:"n"`
	Servers  []Server  `json:"s"`
}

// ParseSDSync decodes an SDSync packet.
func ParseSDSync(p Packet) (SDSyncPacket, error) {
	var out SDSyncPacket
	err := decodeAs(p, SDSync, &out)
	return out, err
}

// ToPacket wraps the payload in its wire envelope.
func (pk SDSyncPacket) ToPacket() (Packet, error) {
	return New(SDSync, pk)
}
