package cmn

import (
	"os"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// MulticastVersion selects the v1/v2 UDP group/port derivation policy.
type MulticastVersion string

const (
	MulticastV1 MulticastVersion = "v1"
	MulticastV2 MulticastVersion = "v2"
)

type RegistrationConfig struct {
	NetworkEnabled       bool   `json:"network_enabled"`
	RegistrationRefreshMs int   `json:"registration_refresh_ms"`
	RegistrationTimeoutMs int   `json:"registration_timeout_ms"`
	ShmTransportDomain    string `json:"shm_transport_domain"`
	LayerShmEnable        bool   `json:"layer_shm_enable"`
	LayerShmQueueSize      int    `json:"layer_shm_queue_size"`
	LayerShmDomain         string `json:"layer_shm_domain"`
	LayerUdpEnable         bool   `json:"layer_udp_enable"`
}

type UDPConfig struct {
	MulticastConfigVersion MulticastVersion `json:"multicast_config_version"`
	Group                  string           `json:"group"`
	Mask                   string           `json:"mask"`
	Port                   int              `json:"port"`
	TTL                    int              `json:"ttl"`
	SendBuffer             int              `json:"send_buffer"`
	ReceiveBuffer          int              `json:"receive_buffer"`
	JoinAllInterfaces      bool             `json:"join_all_interfaces"`
	NpcapEnabled           bool             `json:"npcap_enabled"`
	ReassemblyTimeoutMs    int              `json:"reassembly_timeout_ms"`
}

type TCPConfig struct {
	NumberExecutorReader int `json:"number_executor_reader"`
	NumberExecutorWriter int `json:"number_executor_writer"`
	MaxReconnections     int `json:"max_reconnections"`
}

// ServiceConfig governs the RPC service plane: both protocol ports are
// always listened on simultaneously (servers never know in advance
// which version a future client will speak), and the thread pool sizes
// bound response-dispatch parallelism.
type ServiceConfig struct {
	MaxReconnections  int `json:"max_reconnections"`
	ThreadPoolSize    int `json:"thread_pool_size"`
	DefaultTimeoutMs  int `json:"default_timeout_ms"`
}

type PublisherShmConfig struct {
	Enable               bool `json:"enable"`
	ZeroCopyMode         bool `json:"zero_copy_mode"`
	AcknowledgeTimeoutMs  int  `json:"acknowledge_timeout_ms"`
	MemfileBufferCount    int  `json:"memfile_buffer_count"`
	MemfileMinSizeBytes   int  `json:"memfile_min_size_bytes"`
	MemfileReservePercent int  `json:"memfile_reserve_percent"`
}

type PublisherConfig struct {
	Shm                 PublisherShmConfig `json:"layer_shm"`
	LayerUdpEnable       bool               `json:"layer_udp_enable"`
	LayerTcpEnable       bool               `json:"layer_tcp_enable"`
	LayerPriorityLocal   []TransportLayer   `json:"-"`
	LayerPriorityRemote  []TransportLayer   `json:"-"`
	ShareTopicType       bool               `json:"share_topic_type"`
	ShareTopicDescription bool              `json:"share_topic_description"`
}

type SubscriberConfig struct {
	LayerShmEnable          bool `json:"layer_shm_enable"`
	LayerUdpEnable           bool `json:"layer_udp_enable"`
	LayerTcpEnable           bool `json:"layer_tcp_enable"`
	DropOutOfOrderMessages   bool `json:"drop_out_of_order_messages"`
}

type TimeConfig struct {
	TimesyncModuleRT      string `json:"timesync_module_rt"`
	TimesyncModuleReplay  string `json:"timesync_module_replay"`
}

// Config is the full configuration tree. Every field
// has a default (see DefaultConfig) and is overridable by the embedding
// process.
type Config struct {
	Registration RegistrationConfig `json:"registration"`
	UDP          UDPConfig          `json:"transport_udp"`
	TCP          TCPConfig          `json:"transport_tcp"`
	Publisher    PublisherConfig    `json:"publisher"`
	Subscriber   SubscriberConfig   `json:"subscriber"`
	Service      ServiceConfig      `json:"service"`
	Time         TimeConfig         `json:"time"`
	Loopback     bool               `json:"loopback"`
	MonitoringEnabled bool          `json:"monitoring_enabled"`
}

// DefaultConfig matches eCAL's conventional defaults.
func DefaultConfig() Config {
	return Config{
		Registration: RegistrationConfig{
			NetworkEnabled:        true,
			RegistrationRefreshMs: 1000,
			RegistrationTimeoutMs: 5000,
			ShmTransportDomain:    "ecal_mon",
			LayerShmEnable:        true,
			LayerShmQueueSize:     1024,
			LayerShmDomain:        "ecal_registration",
			LayerUdpEnable:        true,
		},
		UDP: UDPConfig{
			MulticastConfigVersion: MulticastV2,
			Group:                  "239.0.0.1",
			Mask:                   "255.0.0.0",
			Port:                   14000,
			TTL:                    3,
			SendBuffer:             5 * 1024 * 1024,
			ReceiveBuffer:          5 * 1024 * 1024,
			JoinAllInterfaces:      false,
			NpcapEnabled:           false,
			ReassemblyTimeoutMs:    200,
		},
		TCP: TCPConfig{
			NumberExecutorReader: 4,
			NumberExecutorWriter: 4,
			MaxReconnections:     -1,
		},
		Publisher: PublisherConfig{
			Shm: PublisherShmConfig{
				Enable:                true,
				ZeroCopyMode:          false,
				AcknowledgeTimeoutMs:  0,
				MemfileBufferCount:    1,
				MemfileMinSizeBytes:   4096,
				MemfileReservePercent: 50,
			},
			LayerUdpEnable:        true,
			LayerTcpEnable:        true,
			LayerPriorityLocal:    []TransportLayer{LayerSHM, LayerUDP, LayerTCP},
			LayerPriorityRemote:   []TransportLayer{LayerUDP, LayerTCP},
			ShareTopicType:        true,
			ShareTopicDescription: true,
		},
		Subscriber: SubscriberConfig{
			LayerShmEnable:         true,
			LayerUdpEnable:         true,
			LayerTcpEnable:         true,
			DropOutOfOrderMessages: false,
		},
		Service: ServiceConfig{
			MaxReconnections: -1,
			ThreadPoolSize:   4,
			DefaultTimeoutMs: 5000,
		},
		Time: TimeConfig{
			TimesyncModuleRT:     "",
			TimesyncModuleReplay: "",
		},
		Loopback:          false,
		MonitoringEnabled: true,
	}
}

// Validate enforces the publisher SHM sizing rule:
// memfile_min_size_bytes >= 4096 and divisible by 4096;
// 50 <= memfile_reserve_percent <= 100.
func (c *Config) Validate() error {
	mn := c.Publisher.Shm.MemfileMinSizeBytes
	if mn < 4096 || mn%4096 != 0 {
		return NewConfigError("publisher.layer_shm.memfile_min_size_bytes", mn,
			"must be >= 4096 and a multiple of 4096")
	}
	rp := c.Publisher.Shm.MemfileReservePercent
	if rp < 50 || rp > 100 {
		return NewConfigError("publisher.layer_shm.memfile_reserve_percent", rp,
			"must be between 50 and 100")
	}
	if c.Registration.RegistrationRefreshMs <= 0 {
		return NewConfigError("registration.registration_refresh_ms", c.Registration.RegistrationRefreshMs,
			"must be positive")
	}
	if c.Registration.RegistrationTimeoutMs < c.Registration.RegistrationRefreshMs {
		return NewConfigError("registration.registration_timeout_ms", c.Registration.RegistrationTimeoutMs,
			"must be >= registration_refresh_ms")
	}
	return nil
}

// LoadConfigFile reads and validates a JSON configuration file,
// starting from DefaultConfig and overlaying whatever fields are
// present, so a config file only needs to mention what it overrides.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, Wrapf(err, "read config %s", path)
	}
	if err := jsonAPI.Unmarshal(data, &cfg); err != nil {
		return cfg, Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
