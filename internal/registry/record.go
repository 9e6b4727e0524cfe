package registry

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
)

// ClientConfig mirrors the [client] section consumed by the tunnel core.
// Field names are part of the core's config contract and must be emitted
// exactly as spelled here, including upstream's "recieve" spelling.
type ClientConfig struct {
	RemoteAddr      string `toml:"remote_addr"`
	EdgeIP          string `toml:"edge_ip"`
	Transport       string `toml:"transport"`
	Token           string `toml:"token"`
	ConnectionPool  int    `toml:"connection_pool"`
	AggressivePool  bool   `toml:"aggressive_pool"`
	KeepalivePeriod int    `toml:"keepalive_period"`
	DialTimeout     int    `toml:"dial_timeout"`
	RetryInterval   int    `toml:"retry_interval"`
	Nodelay         bool   `toml:"nodelay"`
	Sniffer         bool   `toml:"sniffer"`
	WebPort         int    `toml:"web_port"`
	SnifferLog      string `toml:"sniffer_log"`
	LogLevel        string `toml:"log_level"`
}

// ServerConfig mirrors the [server] section consumed by the tunnel core.
type ServerConfig struct {
	BindAddr         string   `toml:"bind_addr"`
	Transport        string   `toml:"transport"`
	Token            string   `toml:"token"`
	AcceptUDP        bool     `toml:"accept_udp"`
	ChannelSize      int      `toml:"channel_size"`
	Heartbeat        int      `toml:"heartbeat"`
	KeepalivePeriod  int      `toml:"keepalive_period"`
	Nodelay          bool     `toml:"nodelay"`
	Sniffer          bool     `toml:"sniffer"`
	WebPort          int      `toml:"web_port"`
	SnifferLog       string   `toml:"sniffer_log"`
	LogLevel         string   `toml:"log_level"`
	MuxCon           int      `toml:"mux_con"`
	MuxVersion       int      `toml:"mux_version"`
	MuxFramesize     int      `toml:"mux_framesize"`
	MuxRecievebuffer int      `toml:"mux_recievebuffer"`
	MuxStreambuffer  int      `toml:"mux_streambuffer"`
	Ports            []string `toml:"ports"`
}

// Record is a decoded instance config file. Exactly one section is set.
type Record struct {
	Client *ClientConfig `toml:"client"`
	Server *ServerConfig `toml:"server"`
}

type clientDocument struct {
	Client ClientConfig `toml:"client"`
}

type serverDocument struct {
	Server ServerConfig `toml:"server"`
}

// defaultClientConfig fills the field set the core expects for a client
// record. web_port stays 0 (disabled): instances share a host, a fixed
// dashboard port would collide.
func defaultClientConfig(ip string, port int, token string, pool int) ClientConfig {
	return ClientConfig{
		RemoteAddr:      fmt.Sprintf("%s:%d", ip, port),
		Transport:       "tcp",
		Token:           token,
		ConnectionPool:  pool,
		KeepalivePeriod: 75,
		DialTimeout:     10,
		RetryInterval:   3,
		Nodelay:         true,
		SnifferLog:      "/root/backhaul.json",
		LogLevel:        "info",
	}
}

func defaultServerConfig(port int, token string) ServerConfig {
	return ServerConfig{
		BindAddr:         fmt.Sprintf("0.0.0.0:%d", port),
		Transport:        "tcp",
		Token:            token,
		ChannelSize:      2048,
		Heartbeat:        40,
		KeepalivePeriod:  75,
		Nodelay:          true,
		SnifferLog:       "/root/backhaul.json",
		LogLevel:         "info",
		MuxCon:           8,
		MuxVersion:       1,
		MuxFramesize:     32768,
		MuxRecievebuffer: 4194304,
		MuxStreambuffer:  65536,
		Ports:            []string{},
	}
}

func renderClient(cfg ClientConfig) ([]byte, error) {
	return renderRecord(clientDocument{Client: cfg})
}

func renderServer(cfg ServerConfig) ([]byte, error) {
	return renderRecord(serverDocument{Server: cfg})
}

func renderRecord(doc any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return buf.Bytes(), nil
}
