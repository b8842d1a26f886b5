// Package decoder converts gosnmp PDU responses into the generic reply records
// consumed by the metric extractor: scalar fields keyed by name and table rows
// keyed by instance index.
package decoder

import (
	"encoding/hex"
	"fmt"
	"math"
	"net"
	"strings"

	"github.com/gosnmp/gosnmp"
)

// ─────────────────────────────────────────────────────────────────────────────
// SNMP PDU Type → String
// ─────────────────────────────────────────────────────────────────────────────

// PDUTypeString returns the human-readable name for a gosnmp Asn1BER type tag.
func PDUTypeString(t gosnmp.Asn1BER) string {
	switch t {
	case gosnmp.Integer:
		return "Integer"
	case gosnmp.BitString:
		return "BitString"
	case gosnmp.OctetString:
		return "OctetString"
	case gosnmp.Null:
		return "Null"
	case gosnmp.ObjectIdentifier:
		return "ObjectIdentifier"
	case gosnmp.ObjectDescription:
		return "ObjectDescription"
	case gosnmp.IPAddress:
		return "IpAddress"
	case gosnmp.Counter32:
		return "Counter32"
	case gosnmp.Gauge32:
		return "Gauge32"
	case gosnmp.TimeTicks:
		return "TimeTicks"
	case gosnmp.Opaque:
		return "Opaque"
	case gosnmp.NsapAddress:
		return "NsapAddress"
	case gosnmp.Counter64:
		return "Counter64"
	case gosnmp.Uinteger32:
		return "Unsigned32"
	case gosnmp.OpaqueFloat:
		return "OpaqueFloat"
	case gosnmp.OpaqueDouble:
		return "OpaqueDouble"
	case gosnmp.NoSuchObject:
		return "NoSuchObject"
	case gosnmp.NoSuchInstance:
		return "NoSuchInstance"
	case gosnmp.EndOfMibView:
		return "EndOfMibView"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", uint8(t))
	}
}

// IsErrorType returns true when the PDU type signals an SNMP retrieval error
// rather than an actual value. Callers should skip these varbinds.
func IsErrorType(t gosnmp.Asn1BER) bool {
	return t == gosnmp.NoSuchObject || t == gosnmp.NoSuchInstance || t == gosnmp.EndOfMibView || t == gosnmp.Null
}

// ─────────────────────────────────────────────────────────────────────────────
// Value Conversion
// ─────────────────────────────────────────────────────────────────────────────

// Value converts a PDU into the native Go value placed in a reply record:
// int64 for signed integers, uint64 for counters and gauges, float64 for
// opaque floats and string for everything textual. Error-typed PDUs yield an
// error; callers skip them.
func Value(pdu gosnmp.SnmpPDU) (any, error) {
	if IsErrorType(pdu.Type) {
		return nil, fmt.Errorf("skipped: PDU type is %s", PDUTypeString(pdu.Type))
	}
	switch pdu.Type {
	case gosnmp.Integer:
		return toInt64(pdu.Value)
	case gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Uinteger32, gosnmp.Counter64:
		return toUint64(pdu.Value)
	case gosnmp.OctetString, gosnmp.ObjectDescription:
		return toDisplayString(pdu.Value)
	case gosnmp.ObjectIdentifier:
		return toOIDString(pdu.Value)
	case gosnmp.IPAddress:
		return toIPString(pdu.Value)
	case gosnmp.OpaqueFloat:
		if f, ok := pdu.Value.(float32); ok {
			return float64(f), nil
		}
		return toFloat64(pdu.Value)
	case gosnmp.OpaqueDouble:
		return toFloat64(pdu.Value)
	default:
		if b, ok := pdu.Value.([]byte); ok {
			return hex.EncodeToString(b), nil
		}
		return fmt.Sprintf("%v", pdu.Value), nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Low-level conversion helpers
// ─────────────────────────────────────────────────────────────────────────────

// toInt64 converts the raw gosnmp value to int64.
// gosnmp returns integers as int / int32 / int64 depending on the PDU.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("uint64 value %d overflows int64", x)
		}
		return int64(x), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

// toUint64 converts the raw gosnmp value to uint64.
func toUint64(v any) (uint64, error) {
	switch x := v.(type) {
	case int:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d cannot be converted to uint64", x)
		}
		return uint64(x), nil
	case int32:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d cannot be converted to uint64", x)
		}
		return uint64(x), nil
	case int64:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d cannot be converted to uint64", x)
		}
		return uint64(x), nil
	case uint:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case uint64:
		return x, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to uint64", v)
	}
}

// toFloat64 widens any numeric type to float64 for unit-scale conversions.
func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}

// toDisplayString converts an OctetString byte slice to a UTF-8 string, stripping
// any trailing null bytes that devices sometimes append.
func toDisplayString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return strings.TrimRight(x, "\x00"), nil
	case []byte:
		return strings.TrimRight(string(x), "\x00"), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// toOIDString returns the dotted-decimal OID string. gosnmp already returns
// ObjectIdentifier values as strings; this handles edge-cases.
func toOIDString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		// gosnmp includes a leading dot; normalise to no-leading-dot form.
		return strings.TrimPrefix(x, "."), nil
	case []byte:
		return strings.TrimPrefix(string(x), "."), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// toIPString converts an IpAddress value (4-byte slice or string) to dotted-
// decimal notation, e.g. "192.168.1.1".
func toIPString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		// gosnmp may return as a raw byte string.
		b := []byte(x)
		if len(b) == 4 {
			return net.IP(b).String(), nil
		}
		// Already dotted or IPv6.
		return x, nil
	case []byte:
		if len(x) == 4 {
			return net.IP(x).String(), nil
		}
		if len(x) == 16 {
			return net.IP(x).String(), nil
		}
		return hex.EncodeToString(x), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}
