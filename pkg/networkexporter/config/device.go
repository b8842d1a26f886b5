package config

import (
	"net"
	"strconv"
	"time"
)

// Supported device drivers.
const (
	DriverSSH  = "ssh"
	DriverSNMP = "snmp"
)

// DeviceConfig is the fully-resolved configuration for a single monitored device.
// Optional fields that are zero-valued in the YAML are filled with hard-coded
// fallbacks during resolution.
type DeviceConfig struct {
	// Name is the inventory key the device is known by; it is used as the
	// connection pool identity and the "host" label.
	Name string

	// Host is the management address of the device.
	Host string

	// Port defaults to 22 for ssh and 161 for snmp.
	Port int

	// Driver is "ssh" (default) or "snmp".
	Driver string

	// ScrapeInterval is the collection interval in seconds. Zero means the
	// exporter-wide -scrape.interval.
	ScrapeInterval int

	// Timeout is the per-query timeout in milliseconds (default 10000).
	Timeout int

	// Retries is the SNMP transport retry count (default 2).
	Retries int

	Username       string
	Password       string
	KeyFile        string
	KnownHostsFile string

	// Version is the SNMP version: "1", "2c" (default) or "3".
	Version   string
	Community string

	// V3Credentials holds the SNMPv3 security parameters (v3 only).
	V3Credentials *V3Credentials

	// Categories restricts collection to the named categories. Empty means
	// every category in the definition table.
	Categories []string
}

// Address returns host:port.
func (c DeviceConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// QueryTimeout returns Timeout as a duration.
func (c DeviceConfig) QueryTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// Interval returns ScrapeInterval as a duration.
func (c DeviceConfig) Interval() time.Duration {
	return time.Duration(c.ScrapeInterval) * time.Second
}

// V3Credentials holds a single set of SNMPv3 security parameters.
type V3Credentials struct {
	// Username is the SNMPv3 security name.
	Username string `yaml:"username"`

	// AuthenticationProtocol is one of: noauth, md5, sha, sha224, sha256, sha384, sha512.
	AuthenticationProtocol string `yaml:"authentication_protocol"`

	// AuthenticationPassphrase is the passphrase for the chosen auth protocol.
	AuthenticationPassphrase string `yaml:"authentication_passphrase"`

	// PrivacyProtocol is one of: nopriv, des, aes, aes192, aes256, aes192c, aes256c.
	PrivacyProtocol string `yaml:"privacy_protocol"`

	// PrivacyPassphrase is the passphrase for the chosen privacy protocol.
	PrivacyPassphrase string `yaml:"privacy_passphrase"`
}

// rawDeviceEntry is the intermediate YAML-decoded form of a single device.
// It maps 1-to-1 with the device YAML schema. Hard-coded fallbacks are applied
// for zero-valued fields during resolution.
type rawDeviceEntry struct {
	Host           string         `yaml:"host"`
	Port           int            `yaml:"port"`
	Driver         string         `yaml:"driver"`
	ScrapeInterval int            `yaml:"scrape_interval"`
	Timeout        int            `yaml:"timeout"`
	Retries        int            `yaml:"retries"`
	Username       string         `yaml:"username"`
	Password       string         `yaml:"password"`
	PasswordEnv    string         `yaml:"password_env"`
	KeyFile        string         `yaml:"key_file"`
	KnownHostsFile string         `yaml:"known_hosts"`
	Version        string         `yaml:"version"`
	Community      string         `yaml:"community"`
	V3Credentials  *V3Credentials `yaml:"v3_credentials"`
	Categories     []string       `yaml:"categories"`
}
