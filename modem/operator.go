package modem

import (
	"fmt"
	"strconv"
	"strings"
)

// OperatorInfo is one entry of the scanned or persisted operator list.
type OperatorInfo struct {
	PLMN       uint32 // numeric MCC+MNC, e.g. 46001
	AccessTech int8   // 0=GSM 2=UTRAN 7=E-UTRAN, -1 unknown
}

func (o OperatorInfo) String() string {
	return fmt.Sprintf("%d:%d", o.PLMN, o.AccessTech)
}

// RegistrationStatus mirrors 3GPP CREG/CGREG/CEREG answers.
type RegistrationStatus struct {
	Mode int // URC reporting mode
	Stat int // 0 idle, 1 home, 2 searching, 3 denied, 5 roaming, 11 emergency-only
}

func (rs RegistrationStatus) Registered() bool { return rs.Stat == 1 || rs.Stat == 5 }
func (rs RegistrationStatus) Denied() bool     { return rs.Stat == 3 || rs.Stat == 11 }

// ParseOperators decodes the persisted "<plmn>:<AcT>[,<plmn>:<AcT>]*"
// form. Malformed entries are skipped, not fatal.
func ParseOperators(serialized string) []OperatorInfo {
	if serialized == "" {
		return nil
	}
	var ops []OperatorInfo
	for _, entry := range strings.Split(serialized, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 2 {
			continue
		}
		plmn, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil || plmn == 0 {
			continue
		}
		act, err := strconv.ParseInt(parts[1], 10, 8)
		if err != nil {
			continue
		}
		ops = append(ops, OperatorInfo{PLMN: uint32(plmn), AccessTech: int8(act)})
	}
	return ops
}

// SerializeOperators is the inverse of ParseOperators, canonical form.
func SerializeOperators(ops []OperatorInfo) string {
	ss := make([]string, 0, len(ops))
	for _, op := range ops {
		ss = append(ss, op.String())
	}
	return strings.Join(ss, ",")
}

// parseCopsScan decodes the +COPS=? list:
// (2,"Long","Short","46001",7),(1,...),,(0-4),(0-2)
func parseCopsScan(line string) []OperatorInfo {
	var ops []OperatorInfo
	for len(line) > 0 {
		lo := strings.IndexByte(line, '(')
		if lo < 0 {
			break
		}
		hi := strings.IndexByte(line[lo:], ')')
		if hi < 0 {
			break
		}
		group := line[lo+1 : lo+hi]
		line = line[lo+hi+1:]

		fields := splitCopsGroup(group)
		// fields: stat, long, short, numeric, AcT; trailing format
		// groups like 0-4 have fewer fields and no quoted numeric
		if len(fields) < 5 {
			continue
		}
		plmn, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil || plmn == 0 {
			continue
		}
		act, err := strconv.ParseInt(fields[4], 10, 8)
		if err != nil {
			continue
		}
		// stat 3 = forbidden operator
		if fields[0] == "3" {
			continue
		}
		ops = append(ops, OperatorInfo{PLMN: uint32(plmn), AccessTech: int8(act)})
	}
	return ops
}

// splitCopsGroup splits one scan group on commas, stripping quotes.
func splitCopsGroup(group string) []string {
	fields := strings.Split(group, ",")
	for i, f := range fields {
		fields[i] = strings.Trim(f, `"`)
	}
	return fields
}
