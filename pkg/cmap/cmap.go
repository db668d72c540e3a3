// Package cmap reads the local configuration map of a node: the cluster
// name, the configured node list and the quorum device settings, plus the
// runtime view of membership and quorum the voting subsystem maintains.
//
// The map is a TOML file:
//
//	[totem]
//	cluster_name = "alpha"
//	config_version = 3
//
//	[[nodelist.node]]
//	ring0_addr = "10.0.0.1"
//	nodeid = 1
//
//	[quorum.device]
//	timeout = 10000
//
//	[quorum.device.net]
//	host = "qnetd.example.org"
//	algorithm = "ffsplit"
//
//	[runtime]
//	node_id = 1
//	ring_id = { node_id = 1, seq = 4 }
//	members = [1, 2]
//	quorate = true
package cmap

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"qnet/pkg/qdevice"
	"qnet/pkg/tlv"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultSyncTimeout = 30 * time.Second
)

type Totem struct {
	ClusterName      string  `toml:"cluster_name"`
	ConfigVersion    *uint64 `toml:"config_version"`
	ClearNodeHighBit string  `toml:"clear_node_high_bit"`
}

type Node struct {
	Ring0Addr    string  `toml:"ring0_addr"`
	NodeID       *uint32 `toml:"nodeid"`
	DataCenterID *uint32 `toml:"datacenterid"`
}

type Nodelist struct {
	Nodes []Node `toml:"node"`
}

type Net struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	Algorithm  string `toml:"algorithm"`
	TieBreaker string `toml:"tie_breaker"`
	TLS        string `toml:"tls"`
	// Milliseconds.
	ConnectTimeout int `toml:"connect_timeout"`

	CAFile   string `toml:"ca_file"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	// ServerName overrides the name checked against the arbitrator
	// certificate.
	ServerName string `toml:"server_name"`
}

type Device struct {
	// Milliseconds.
	Timeout     int `toml:"timeout"`
	SyncTimeout int `toml:"sync_timeout"`
	Net         Net `toml:"net"`
}

type Quorum struct {
	Device Device `toml:"device"`
}

type Ring struct {
	NodeID uint32 `toml:"node_id"`
	Seq    uint64 `toml:"seq"`
}

// Runtime is the part of the map written by the voting subsystem.
type Runtime struct {
	NodeID           uint32   `toml:"node_id"`
	RingID           *Ring    `toml:"ring_id"`
	Members          []uint32 `toml:"members"`
	Quorate          *bool    `toml:"quorate"`
	ExpectedVotes    uint32   `toml:"expected_votes"`
	ReloadInProgress bool     `toml:"reload_in_progress"`
}

// Map is one parsed snapshot of the configuration map.
type Map struct {
	Totem    Totem    `toml:"totem"`
	Nodelist Nodelist `toml:"nodelist"`
	Quorum   Quorum   `toml:"quorum"`
	Runtime  Runtime  `toml:"runtime"`
}

// Load reads and parses the map at path.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read cmap %s: %w", path, err)
	}

	m, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("cannot parse cmap %s: %w", path, err)
	}

	return m, nil
}

// Parse decodes a map and rejects keys it does not know.
func Parse(data string) (*Map, error) {
	var m Map

	md, err := toml.Decode(data, &m)
	if err != nil {
		return nil, err
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}

	if m.Totem.ClusterName == "" {
		return nil, errors.New("totem.cluster_name is not set")
	}

	return &m, nil
}

// AutogenerateNodeID derives a node id from an IPv4 address: the address
// read as a network order u32, optionally with the high bit cleared.
func AutogenerateNodeID(addr string, clearHighBit bool) (uint32, error) {
	ip, err := resolveIPv4(addr)
	if err != nil {
		return 0, err
	}

	id := binary.BigEndian.Uint32(ip)
	if clearHighBit {
		id &= 0x7FFFFFFF
	}

	if id == 0 {
		return 0, fmt.Errorf("address %s gives node id 0", addr)
	}

	return id, nil
}

func resolveIPv4(addr string) (net.IP, error) {
	if ip := net.ParseIP(addr); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}

		return nil, fmt.Errorf("cannot autogenerate node id from non ipv4 address %s", addr)
	}

	ipAddr, err := net.ResolveIPAddr("ip4", addr)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %s: %w", addr, err)
	}

	return ipAddr.IP.To4(), nil
}

// ClusterName is the name the node registers under.
func (m *Map) ClusterName() string {
	return m.Totem.ClusterName
}

// NodeID is the id of the local node.
func (m *Map) NodeID() (uint32, error) {
	if m.Runtime.NodeID == 0 {
		return 0, errors.New("runtime.node_id is not set")
	}

	return m.Runtime.NodeID, nil
}

// ConfigVersion returns totem.config_version, if set.
func (m *Map) ConfigVersion() (uint64, bool) {
	if m.Totem.ConfigVersion == nil {
		return 0, false
	}

	return *m.Totem.ConfigVersion, true
}

// ConfigList returns the configured nodes in file order. Nodes without a
// nodeid get one generated from ring0_addr.
func (m *Map) ConfigList() (tlv.NodeList, error) {
	clearHighBit := strings.EqualFold(m.Totem.ClearNodeHighBit, "yes")

	list := make(tlv.NodeList, 0, len(m.Nodelist.Nodes))
	seen := make(map[uint32]struct{}, len(m.Nodelist.Nodes))

	for i, n := range m.Nodelist.Nodes {
		var id uint32
		if n.NodeID != nil {
			id = *n.NodeID
		} else {
			if n.Ring0Addr == "" {
				return nil, fmt.Errorf("nodelist.node[%d] has neither nodeid nor ring0_addr", i)
			}

			var err error
			if id, err = AutogenerateNodeID(n.Ring0Addr, clearHighBit); err != nil {
				return nil, fmt.Errorf("nodelist.node[%d]: %w", i, err)
			}
		}

		if id == 0 {
			return nil, fmt.Errorf("nodelist.node[%d] has node id 0", i)
		}

		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("nodelist.node[%d] repeats node id %d", i, id)
		}
		seen[id] = struct{}{}

		info := tlv.NodeInfo{NodeID: id, State: tlv.NodeStateNotSet}
		if n.DataCenterID != nil {
			info.DataCenterID = *n.DataCenterID
		}

		list = append(list, info)
	}

	return list, nil
}

// Membership returns the current ring and its members, if the voting
// subsystem has reported one.
func (m *Map) Membership() (tlv.RingID, tlv.NodeList, bool) {
	if m.Runtime.RingID == nil {
		return tlv.RingID{}, nil, false
	}

	ring := tlv.RingID{NodeID: m.Runtime.RingID.NodeID, Seq: m.Runtime.RingID.Seq}

	return ring, tlv.NodeListFromIDs(sortedIDs(m.Runtime.Members)...), true
}

// QuorumState returns the quorate flag and the nodes counted for it.
func (m *Map) QuorumState() (bool, tlv.NodeList, bool) {
	if m.Runtime.Quorate == nil {
		return false, nil, false
	}

	return *m.Runtime.Quorate, tlv.NodeListFromIDs(sortedIDs(m.Runtime.Members)...), true
}

// ExpectedVotes defaults to the number of configured nodes.
func (m *Map) ExpectedVotes() uint32 {
	if m.Runtime.ExpectedVotes != 0 {
		return m.Runtime.ExpectedVotes
	}

	return uint32(len(m.Nodelist.Nodes))
}

func sortedIDs(ids []uint32) []uint32 {
	out := append([]uint32(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

func millis(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}

	return time.Duration(ms) * time.Millisecond
}

// DeviceConfig builds the client configuration. Heartbeats run at 0.8 of
// the configured timeouts.
func (m *Map) DeviceConfig() (qdevice.Config, error) {
	dev := m.Quorum.Device
	netCfg := dev.Net

	if netCfg.Host == "" {
		return qdevice.Config{}, errors.New("quorum.device.net.host is not set")
	}

	nodeID, err := m.NodeID()
	if err != nil {
		return qdevice.Config{}, err
	}

	port := netCfg.Port
	if port == 0 {
		port = qdevice.DefaultPort
	}
	if port < 1 || port > 65535 {
		return qdevice.Config{}, fmt.Errorf("invalid port %d", port)
	}

	timeout := millis(dev.Timeout, DefaultTimeout)
	syncTimeout := millis(dev.SyncTimeout, DefaultSyncTimeout)

	cfg := qdevice.Config{
		Addr:           net.JoinHostPort(netCfg.Host, strconv.Itoa(port)),
		NodeID:         nodeID,
		ClusterName:    m.ClusterName(),
		Heartbeat:      timeout * 8 / 10,
		SyncHeartbeat:  syncTimeout * 8 / 10,
		ConnectTimeout: millis(netCfg.ConnectTimeout, qdevice.DefaultConnectTimeout),
	}

	if netCfg.Algorithm != "" {
		if cfg.Algorithm, err = tlv.ParseDecisionAlgorithm(netCfg.Algorithm); err != nil {
			return qdevice.Config{}, err
		}
	}

	if cfg.TieBreaker, err = tlv.ParseTieBreaker(netCfg.TieBreaker); err != nil {
		return qdevice.Config{}, err
	}

	tlsMode := netCfg.TLS
	if tlsMode == "" {
		tlsMode = "on"
	}
	if cfg.TLSMode, err = tlv.ParseTLSSupported(tlsMode); err != nil {
		return qdevice.Config{}, err
	}

	if cfg.TLSMode != tlv.TLSOff {
		if cfg.TLSConfig, err = netCfg.tlsConfig(); err != nil {
			return qdevice.Config{}, err
		}
	}

	return cfg, nil
}

// tlsConfig returns nil when no TLS material is configured.
func (n Net) tlsConfig() (*tls.Config, error) {
	if n.CAFile == "" && n.CertFile == "" {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: n.ServerName,
	}

	if n.CAFile != "" {
		pem, err := os.ReadFile(n.CAFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read ca file: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", n.CAFile)
		}

		cfg.RootCAs = pool
	}

	if n.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(n.CertFile, n.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("cannot load client certificate: %w", err)
		}

		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
