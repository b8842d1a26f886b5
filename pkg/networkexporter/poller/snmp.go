package poller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/vpbank/network_exporter/models"
	"github.com/vpbank/network_exporter/pkg/networkexporter/config"
	"github.com/vpbank/network_exporter/snmp/decoder"
)

// RowsKey is the reply key holding walked table rows (instance → record).
const RowsKey = "rows"

// sysUpTime is fetched on connect to prove the agent answers.
const sysUpTime = ".1.3.6.1.2.1.1.3.0"

// ─────────────────────────────────────────────────────────────────────────────
// snmpDevice: DeviceConfig → *gosnmp.GoSNMP
// ─────────────────────────────────────────────────────────────────────────────

// snmpDevice serves Get and Walk requests. Get fields land at the top level
// of the reply, walked columns under RowsKey.
type snmpDevice struct {
	cfg    config.DeviceConfig
	g      *gosnmp.GoSNMP
	conn   net.Conn // set by Connect, read-only afterwards
	closed atomic.Bool
}

func newSNMPDevice(cfg config.DeviceConfig) (*snmpDevice, error) {
	g := &gosnmp.GoSNMP{
		Target:  cfg.Host,
		Port:    uint16(cfg.Port),
		Timeout: cfg.QueryTimeout(),
		Retries: cfg.Retries,
		MaxOids: gosnmp.MaxOids,
	}

	switch cfg.Version {
	case "1":
		g.Version = gosnmp.Version1
		g.Community = cfg.Community
	case "2c", "":
		g.Version = gosnmp.Version2c
		g.Community = cfg.Community
	case "3":
		g.Version = gosnmp.Version3
		g.SecurityModel = gosnmp.UserSecurityModel
		if cred := cfg.V3Credentials; cred != nil {
			g.MsgFlags = snmpv3MsgFlags(*cred)
			g.SecurityParameters = &gosnmp.UsmSecurityParameters{
				UserName:                 cred.Username,
				AuthenticationProtocol:   mapAuthProto(cred.AuthenticationProtocol),
				AuthenticationPassphrase: cred.AuthenticationPassphrase,
				PrivacyProtocol:          mapPrivProto(cred.PrivacyProtocol),
				PrivacyPassphrase:        cred.PrivacyPassphrase,
			}
		} else {
			g.MsgFlags = gosnmp.NoAuthNoPriv
			g.SecurityParameters = &gosnmp.UsmSecurityParameters{}
		}
	default:
		return nil, fmt.Errorf("unsupported SNMP version %q", cfg.Version)
	}
	if g.Community == "" && g.Version != gosnmp.Version3 {
		g.Community = "public"
	}
	return &snmpDevice{cfg: cfg, g: g}, nil
}

// Connect opens the UDP socket and fetches sysUpTime, which also runs
// SNMPv3 engine discovery.
func (d *snmpDevice) Connect(ctx context.Context) error {
	if err := d.g.Connect(); err != nil {
		return fmt.Errorf("snmp connect %s: %w: %v", d.cfg.Address(), ErrTransport, err)
	}
	d.conn = d.g.Conn

	pctx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout())
	defer cancel()
	d.g.Context = pctx
	if _, err := d.g.Get([]string{sysUpTime}); err != nil {
		return snmpError(pctx, "probe", err)
	}
	return nil
}

// Query performs a Get for req.Get (instance ".0" appended) and a walk of
// the lowest common prefix of req.Walk. SNMPv1 walks use GetNext, later
// versions GetBulk.
func (d *snmpDevice) Query(ctx context.Context, req models.Request, timeout time.Duration) (map[string]any, error) {
	if d.closed.Load() || d.conn == nil {
		return nil, fmt.Errorf("snmp %s: %w: not connected", d.cfg.Name, ErrTransport)
	}
	if len(req.Get) == 0 && len(req.Walk) == 0 {
		return nil, fmt.Errorf("snmp %s: request has no get or walk OIDs", d.cfg.Name)
	}

	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	d.g.Context = qctx

	reply := make(map[string]any)
	if len(req.Get) > 0 {
		pdus, err := d.get(req.Get)
		if err != nil {
			return nil, snmpError(qctx, "get", err)
		}
		for k, v := range decoder.NewColumnParser(req.Get).Scalars(pdus) {
			reply[k] = v
		}
	}
	if len(req.Walk) > 0 {
		root := LowestCommonOID(req.Walk)
		if root == "" {
			return nil, fmt.Errorf("snmp %s: no walk OIDs", d.cfg.Name)
		}
		var (
			pdus []gosnmp.SnmpPDU
			err  error
		)
		if d.g.Version == gosnmp.Version1 {
			pdus, err = d.g.WalkAll(root)
		} else {
			pdus, err = d.g.BulkWalkAll(root)
		}
		if err != nil {
			return nil, snmpError(qctx, "walk", err)
		}
		reply[RowsKey] = decoder.NewColumnParser(req.Walk).Rows(pdus)
	}
	return reply, nil
}

// Disconnect closes the socket; an in-flight query fails with a transport
// error.
func (d *snmpDevice) Disconnect() error {
	if d.closed.Swap(true) || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

func (d *snmpDevice) Healthy() bool {
	return !d.closed.Load() && d.conn != nil
}

// get requests oids in batches of MaxOids.
func (d *snmpDevice) get(fields map[string]string) ([]gosnmp.SnmpPDU, error) {
	oids := make([]string, 0, len(fields))
	for _, oid := range fields {
		if !strings.HasSuffix(oid, ".0") {
			oid += ".0"
		}
		oids = append(oids, oid)
	}
	slices.Sort(oids)

	maxOids := d.g.MaxOids
	if maxOids <= 0 {
		maxOids = gosnmp.MaxOids
	}
	var all []gosnmp.SnmpPDU
	for chunk := range slices.Chunk(oids, maxOids) {
		pkt, err := d.g.Get(chunk)
		if err != nil {
			return all, err
		}
		if pkt.Error != gosnmp.NoError {
			return all, fmt.Errorf("agent error %v", pkt.Error)
		}
		all = append(all, pkt.Variables...)
	}
	return all, nil
}

// snmpError sorts a gosnmp failure into ErrTimeout, ErrAuthFailed or
// ErrTransport. A cancelled query context is passed through as
// context.Canceled.
func snmpError(ctx context.Context, op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("snmp %s: %w: %v", op, ctx.Err(), err)
	case ctx.Err() != nil:
		return fmt.Errorf("snmp %s: %w: %w: %v", op, ErrTimeout, ctx.Err(), err)
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(msg, "timeout"):
		return fmt.Errorf("snmp %s: %w: %v", op, ErrTimeout, err)
	case strings.Contains(msg, "authentic"), strings.Contains(msg, "unknown user"),
		strings.Contains(msg, "wrong digest"), strings.Contains(msg, "decrypt"):
		return fmt.Errorf("snmp %s: %w: %v", op, ErrAuthFailed, err)
	default:
		return fmt.Errorf("snmp %s: %w: %v", op, ErrTransport, err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// OID analysis
// ─────────────────────────────────────────────────────────────────────────────

// LowestCommonOID finds the longest OID prefix shared by every column OID.
// For example, given:
//
//	.1.3.6.1.2.1.2.2.1.10 (ifInOctets)
//	.1.3.6.1.2.1.2.2.1.16 (ifOutOctets)
//
// the lowest common prefix is ".1.3.6.1.2.1.2.2.1".
func LowestCommonOID(columns map[string]string) string {
	var oids []string
	for _, oid := range columns {
		if oid != "" {
			oids = append(oids, oid)
		}
	}
	if len(oids) == 0 {
		return ""
	}
	if len(oids) == 1 {
		return oids[0]
	}

	parts := strings.Split(oids[0], ".")
	for _, oid := range oids[1:] {
		other := strings.Split(oid, ".")
		minLen := min(len(parts), len(other))
		match := 0
		for i := 0; i < minLen; i++ {
			if parts[i] != other[i] {
				break
			}
			match = i + 1
		}
		parts = parts[:match]
	}
	return strings.Join(parts, ".")
}

// ─────────────────────────────────────────────────────────────────────────────
// SNMPv3 helpers
// ─────────────────────────────────────────────────────────────────────────────

func snmpv3MsgFlags(cred config.V3Credentials) gosnmp.SnmpV3MsgFlags {
	hasAuth := cred.AuthenticationProtocol != "" &&
		!strings.EqualFold(cred.AuthenticationProtocol, "noauth")
	hasPriv := cred.PrivacyProtocol != "" &&
		!strings.EqualFold(cred.PrivacyProtocol, "nopriv")

	switch {
	case hasAuth && hasPriv:
		return gosnmp.AuthPriv
	case hasAuth:
		return gosnmp.AuthNoPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func mapAuthProto(s string) gosnmp.SnmpV3AuthProtocol {
	switch strings.ToLower(s) {
	case "md5":
		return gosnmp.MD5
	case "sha":
		return gosnmp.SHA
	case "sha224":
		return gosnmp.SHA224
	case "sha256":
		return gosnmp.SHA256
	case "sha384":
		return gosnmp.SHA384
	case "sha512":
		return gosnmp.SHA512
	default:
		return gosnmp.NoAuth
	}
}

func mapPrivProto(s string) gosnmp.SnmpV3PrivProtocol {
	switch strings.ToLower(s) {
	case "des":
		return gosnmp.DES
	case "aes":
		return gosnmp.AES
	case "aes192":
		return gosnmp.AES192
	case "aes256":
		return gosnmp.AES256
	case "aes192c":
		return gosnmp.AES192C
	case "aes256c":
		return gosnmp.AES256C
	default:
		return gosnmp.NoPriv
	}
}
