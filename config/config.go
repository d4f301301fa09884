package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// defaults for when not provided in Config
	MaxPeers             uint16        = 16
	HelloConfirmWait     time.Duration = time.Second * 10
	ReplyWait            time.Duration = time.Second
	KeepAliveInterval    time.Duration = time.Second * 10
	KeepAliveRetries     uint16        = 3
	TcpKeepAliveInterval time.Duration = time.Second * 17
	TcpKeepAliveCount    uint16        = 2
	TcpDialTimeout       time.Duration = time.Second * 3
	TcpReconnectInterval time.Duration = time.Second * 5
	TcpReconnectLogEvery uint32        = 12
	ServerPort           uint16        = 8911
	SelfPort             uint16        = 8912
	MetricsPath          string        = "/metrics"
)

const (
	FamilyIPv4 = "ipv4"
	FamilyIPv6 = "ipv6"
)

type Config struct {
	User string `yaml:"user"`
	Host string `yaml:"host"`

	// process wide address family, ipv4 or ipv6
	Family string `yaml:"family"`

	// server: listen address, client: address to connect to
	ServerAddress string `yaml:"server_address"`
	ServerPort    uint16 `yaml:"server_port"`

	// identity advertised in DevInfo
	SelfAddress string `yaml:"self_address"`
	SelfPort    uint16 `yaml:"self_port"`

	MaxPeers uint16 `yaml:"max_peers"`
	Encoding string `yaml:"encoding"`

	HelloConfirmWait  uint32 `yaml:"hello_confirm_wait"` // milliseconds
	ReplyWait         uint32 `yaml:"reply_wait"`         // milliseconds
	KeepAliveInterval uint32 `yaml:"keep_alive_interval"` // milliseconds
	KeepAliveRetries  uint16 `yaml:"keep_alive_retries"`

	TcpKeepAliveInterval uint16 `yaml:"tcp_keep_alive_interval"` // seconds
	TcpKeepAliveCount    uint16 `yaml:"tcp_keep_alive_count"`
	TcpDialTimeout       uint16 `yaml:"tcp_dial_timeout"`     // seconds
	TcpReconnectInterval uint16 `yaml:"tcp_reconnect_interval"` // seconds
	TcpReconnectLogEvery uint32 `yaml:"tcp_reconnect_log_every"`

	MetricsAddress string `yaml:"metrics_address"`
	MetricsPath    string `yaml:"metrics_path"`

	LogPrefix string `yaml:"log_prefix"`
	LogDebug  bool   `yaml:"log_debug"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("failed to read config file=%s, err=%w", path, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	c := new(Config)
	err = yaml.Unmarshal(data, c)
	if err != nil {
		err = fmt.Errorf("failed to parse config file=%s, err=%w", path, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	c.SetDefaults()
	c.ApplyEnvOverrides()

	return c, nil
}

// SetDefaults fills in identity fields that cannot be expressed as constants.
// Numeric fields are left at zero, getters resolve zero to the package default.
func (c *Config) SetDefaults() {
	if c.User == "" {
		c.User = os.Getenv("USER")
	}
	if c.User == "" {
		c.User = "peerlink"
	}

	if c.Host == "" {
		hostname, err := os.Hostname()
		if err == nil {
			c.Host = hostname
		}
	}
	if c.Host == "" {
		c.Host = "localhost"
	}

	if c.Family == "" {
		c.Family = FamilyIPv4
	}

	if c.Encoding == "" {
		c.Encoding = "json"
	}

	if c.LogPrefix == "" {
		c.LogPrefix = "peerlink"
	}
}

func (c *Config) ApplyEnvOverrides() {
	str := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	u16 := func(key string, dst *uint16) {
		if val := os.Getenv(key); val != "" {
			if i, err := strconv.ParseUint(val, 10, 16); err == nil {
				*dst = uint16(i)
			}
		}
	}
	u32 := func(key string, dst *uint32) {
		if val := os.Getenv(key); val != "" {
			if i, err := strconv.ParseUint(val, 10, 32); err == nil {
				*dst = uint32(i)
			}
		}
	}

	str("PEERLINK_USER", &c.User)
	str("PEERLINK_HOST", &c.Host)
	str("PEERLINK_SERVER_ADDRESS", &c.ServerAddress)
	u16("PEERLINK_SERVER_PORT", &c.ServerPort)
	str("PEERLINK_SELF_ADDRESS", &c.SelfAddress)
	u16("PEERLINK_SELF_PORT", &c.SelfPort)
	u16("PEERLINK_MAX_PEERS", &c.MaxPeers)
	u32("PEERLINK_HELLO_CONFIRM_WAIT_MS", &c.HelloConfirmWait)
	u32("PEERLINK_REPLY_WAIT_MS", &c.ReplyWait)
	u32("PEERLINK_KEEP_ALIVE_INTERVAL_MS", &c.KeepAliveInterval)
	u16("PEERLINK_KEEP_ALIVE_RETRIES", &c.KeepAliveRetries)
	str("PEERLINK_METRICS_ADDRESS", &c.MetricsAddress)

	if val := os.Getenv("PEERLINK_FAMILY"); val != "" {
		c.Family = strings.ToLower(val)
	}
	if val := os.Getenv("PEERLINK_ENCODING"); val != "" {
		c.Encoding = strings.ToLower(val)
	}
	if val := os.Getenv("PEERLINK_LOG_DEBUG"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.LogDebug = b
		}
	}
}

func (c *Config) Validate() error {
	if c == nil {
		err := fmt.Errorf("nil config")
		log.Printf("%s", err.Error())
		return err
	}

	if c.User == "" {
		err := fmt.Errorf("invalid User=%s", c.User)
		log.Printf("%s", err.Error())
		return err
	}

	if c.Host == "" {
		err := fmt.Errorf("invalid Host=%s", c.Host)
		log.Printf("%s", err.Error())
		return err
	}

	switch c.Family {
	case FamilyIPv4, FamilyIPv6:
	default:
		err := fmt.Errorf("invalid Family=%s", c.Family)
		log.Printf("%s", err.Error())
		return err
	}

	switch c.Encoding {
	case "json", "msgpack":
	default:
		err := fmt.Errorf("invalid Encoding=%s", c.Encoding)
		log.Printf("%s", err.Error())
		return err
	}

	if c.KeepAliveRetries > 100 {
		err := fmt.Errorf("invalid KeepAliveRetries=%d", c.KeepAliveRetries)
		log.Printf("%s", err.Error())
		return err
	}

	if c.MetricsPath != "" && !strings.HasPrefix(c.MetricsPath, "/") {
		err := fmt.Errorf("invalid MetricsPath=%s", c.MetricsPath)
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}

func (c *Config) GetServerPort() uint16 {
	if c.ServerPort == 0 {
		return ServerPort
	}
	return c.ServerPort
}

func (c *Config) GetSelfPort() uint16 {
	if c.SelfPort == 0 {
		return SelfPort
	}
	return c.SelfPort
}

func (c *Config) GetMaxPeers() uint16 {
	if c.MaxPeers == 0 {
		return MaxPeers
	}
	return c.MaxPeers
}

func (c *Config) GetHelloConfirmWait() time.Duration {
	if c.HelloConfirmWait == 0 {
		return HelloConfirmWait
	}
	return time.Millisecond * time.Duration(c.HelloConfirmWait)
}

func (c *Config) GetReplyWait() time.Duration {
	if c.ReplyWait == 0 {
		return ReplyWait
	}
	return time.Millisecond * time.Duration(c.ReplyWait)
}

func (c *Config) GetKeepAliveInterval() time.Duration {
	if c.KeepAliveInterval == 0 {
		return KeepAliveInterval
	}
	return time.Millisecond * time.Duration(c.KeepAliveInterval)
}

func (c *Config) GetKeepAliveRetries() uint16 {
	if c.KeepAliveRetries == 0 {
		return KeepAliveRetries
	}
	return c.KeepAliveRetries
}

func (c *Config) GetTcpKeepAliveInterval() time.Duration {
	if c.TcpKeepAliveInterval == 0 {
		return TcpKeepAliveInterval
	}
	return time.Second * time.Duration(c.TcpKeepAliveInterval)
}

func (c *Config) GetTcpKeepAliveCount() uint16 {
	if c.TcpKeepAliveCount == 0 {
		return TcpKeepAliveCount
	}
	return c.TcpKeepAliveCount
}

func (c *Config) GetTcpDialTimeout() time.Duration {
	if c.TcpDialTimeout == 0 {
		return TcpDialTimeout
	}
	return time.Second * time.Duration(c.TcpDialTimeout)
}

func (c *Config) GetTcpReconnectInterval() time.Duration {
	if c.TcpReconnectInterval == 0 {
		return TcpReconnectInterval
	}
	return time.Second * time.Duration(c.TcpReconnectInterval)
}

func (c *Config) GetTcpReconnectLogEvery() uint32 {
	if c.TcpReconnectLogEvery == 0 {
		return TcpReconnectLogEvery
	}
	return c.TcpReconnectLogEvery
}

func (c *Config) GetMetricsPath() string {
	if c.MetricsPath == "" {
		return MetricsPath
	}
	return c.MetricsPath
}
