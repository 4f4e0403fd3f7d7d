package relay

type Config struct { //nolint:maligned
	SocketPath     string `hcl:"socket_path"`
	TCPBind        string `hcl:"tcp_bind"`
	TCPPort        int    `hcl:"tcp_port"` // 0 disables the TCP listener
	IdleTimeoutSec int    `hcl:"idle_timeout_sec"`
	ReadLimit      int    `hcl:"read_limit"`
	LogDebug       bool   `hcl:"log_debug"`
}

const (
	DefaultSocketPath = "/tmp/iotconnect-relay.sock"
	DefaultTCPBind    = "0.0.0.0"
)
