package upstream

type Config struct { //nolint:maligned
	Enabled           bool   `hcl:"enable"`
	DeviceID          string `hcl:"device_id"`
	MqttBroker        string `hcl:"mqtt_broker"`
	MqttPassword      string `hcl:"mqtt_password"` // secret
	MqttLogDebug      bool   `hcl:"mqtt_log_debug"`
	TlsCaFile         string `hcl:"tls_ca_file"`
	PeriodSec         int    `hcl:"period_sec"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	LogDebug          bool   `hcl:"log_debug"`
}
