package decoder

import (
	"strings"

	"github.com/gosnmp/gosnmp"
)

// ─────────────────────────────────────────────────────────────────────────────
// ColumnParser
// ─────────────────────────────────────────────────────────────────────────────

// ColumnParser maps PDUs back to named fields by OID prefix. It is stateless
// after construction and safe for concurrent use.
type ColumnParser struct {
	// byOID maps normalised column OIDs (no leading dot) to field names.
	byOID map[string]string
}

// NewColumnParser builds a parser for the given field name → OID mapping.
func NewColumnParser(columns map[string]string) *ColumnParser {
	byOID := make(map[string]string, len(columns))
	for name, oid := range columns {
		if norm := normaliseOID(oid); norm != "" {
			byOID[norm] = name
		}
	}
	return &ColumnParser{byOID: byOID}
}

// Scalars converts Get responses into a flat record keyed by field name.
// Error-typed and unknown PDUs are skipped.
func (p *ColumnParser) Scalars(pdus []gosnmp.SnmpPDU) map[string]any {
	out := make(map[string]any, len(pdus))
	for _, pdu := range pdus {
		name, _, ok := p.match(normaliseOID(pdu.Name))
		if !ok {
			continue
		}
		v, err := Value(pdu)
		if err != nil {
			continue
		}
		out[name] = v
	}
	return out
}

// Rows converts walk responses into instance index → record. PDUs outside
// the known columns are normal for bulk walks and are skipped.
func (p *ColumnParser) Rows(pdus []gosnmp.SnmpPDU) map[string]any {
	out := make(map[string]any)
	for _, pdu := range pdus {
		name, instance, ok := p.match(normaliseOID(pdu.Name))
		if !ok || instance == "" {
			continue
		}
		v, err := Value(pdu)
		if err != nil {
			continue
		}
		row, _ := out[instance].(map[string]any)
		if row == nil {
			row = make(map[string]any)
			out[instance] = row
		}
		row[name] = v
	}
	return out
}

// match finds the column owning fullOID. A varbind OID like
// "1.3.6.1.2.1.2.2.1.10.1" matches column "1.3.6.1.2.1.2.2.1.10" with
// instance "1"; a direct match yields instance "0".
func (p *ColumnParser) match(fullOID string) (name, instance string, found bool) {
	if n, ok := p.byOID[fullOID]; ok {
		return n, "0", true
	}
	remaining := fullOID
	for {
		dot := strings.LastIndex(remaining, ".")
		if dot < 0 {
			break
		}
		prefix := remaining[:dot]
		if n, ok := p.byOID[prefix]; ok {
			return n, fullOID[len(prefix)+1:], true
		}
		remaining = prefix
	}
	return "", "", false
}

// normaliseOID strips a leading dot and any whitespace from an OID string.
func normaliseOID(oid string) string {
	oid = strings.TrimSpace(oid)
	return strings.TrimPrefix(oid, ".")
}
