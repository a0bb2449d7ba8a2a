package ftp

import (
	"math"
	"net/netip"
	"strings"
)

// Arg is the typed argument of a Command. The concrete type is fixed by the verb.
type Arg interface {
	isArg()
}

// NoArg is the argument of verbs that take none.
type NoArg struct{}

// StringArg is a required, non empty string argument.
type StringArg string

// OptionalStringArg is an argument that may be omitted.
type OptionalStringArg struct {
	Value string
	Set   bool
}

// HostPortArg is the PORT argument.
type HostPortArg struct {
	Addr netip.Addr
	Port uint16
}

// LongHostPortArg is the LPRT argument. Addr is only valid for families 4 and 6.
type LongHostPortArg struct {
	Family int
	Addr   netip.Addr
	Port   uint16
}

// ExtHostPortArg is the EPRT argument.
type ExtHostPortArg struct {
	Family int
	Addr   string
	Port   uint16
}

// TypeArg is the TYPE argument: 'A' (optionally with 'N'), 'I' or 'L' with a byte size.
type TypeArg struct {
	Code     byte
	Format   byte
	ByteSize int
}

// StructureArg is the STRU argument: 'F', 'R' or 'P'.
type StructureArg byte

// ModeArg is the MODE argument: 'S', 'B' or 'C'.
type ModeArg byte

// OffsetArg is the REST argument.
type OffsetArg int64

// EPSVArg is the EPSV argument. All is set by "EPSV ALL". Set reports whether
// a protocol number was given.
type EPSVArg struct {
	Family int
	Set    bool
	All    bool
}

func (NoArg) isArg()             {}
func (StringArg) isArg()         {}
func (OptionalStringArg) isArg() {}
func (HostPortArg) isArg()       {}
func (LongHostPortArg) isArg()   {}
func (ExtHostPortArg) isArg()    {}
func (TypeArg) isArg()           {}
func (StructureArg) isArg()      {}
func (ModeArg) isArg()           {}
func (OffsetArg) isArg()         {}
func (EPSVArg) isArg()           {}

// Command is one parsed control line.
type Command struct {
	Verb Verb
	Arg  Arg
}

type grammar func(rest string) (Arg, bool)

var grammars = map[Verb]grammar{
	USER: parseString, PASS: parseString, CWD: parseString, RETR: parseString,
	STOR: parseString, SIZE: parseString, MDTM: parseString,

	CDUP: parseNone, QUIT: parseNone, PASV: parseNone, LPSV: parseNone,
	PWD: parseNone, SYST: parseNone, NOOP: parseNone,

	LIST: parseOptionalString, NLST: parseOptionalString, HELP: parseOptionalString,

	PORT: parseHostPort,
	LPRT: parseLongHostPort,
	EPRT: parseExtHostPort,
	TYPE: parseType,
	STRU: parseStructure,
	MODE: parseMode,
	REST: parseOffset,
	EPSV: parseEPSV,
}

// Verbs lists every supported verb in HELP order.
var Verbs = []Verb{
	USER, PASS, CWD, CDUP, QUIT, PORT, LPRT, EPRT, PASV, LPSV, EPSV, TYPE,
	STRU, MODE, RETR, STOR, PWD, LIST, NLST, SYST, HELP, NOOP, REST, SIZE, MDTM,
}

// ParseCommand parses one framed line, which must end in LF.
// It returns false for an unknown verb or a malformed argument.
func ParseCommand(line string) (Command, bool) {
	if !strings.HasSuffix(line, "\n") {
		return Command{}, false
	}
	line = line[:len(line)-1]

	verb := matchVerb(line)
	if verb == "" {
		return Command{}, false
	}
	arg, ok := grammars[verb](line[len(verb):])
	if !ok {
		return Command{}, false
	}
	return Command{Verb: verb, Arg: arg}, true
}

// matchVerb returns the longest verb that prefixes line, ignoring case.
func matchVerb(line string) Verb {
	best := ""
	for _, v := range Verbs {
		if len(v) > len(best) && len(line) >= len(v) && strings.EqualFold(line[:len(v)], v) {
			best = v
		}
	}
	return best
}

func parseNone(rest string) (Arg, bool) {
	return NoArg{}, rest == ""
}

func parseString(rest string) (Arg, bool) {
	if len(rest) < 2 || rest[0] != ' ' || len(rest)-1 > MaxStringLen {
		return nil, false
	}
	return StringArg(rest[1:]), true
}

func parseOptionalString(rest string) (Arg, bool) {
	if rest == "" || rest == " " {
		return OptionalStringArg{}, true
	}
	if rest[0] != ' ' || len(rest)-1 > MaxStringLen {
		return nil, false
	}
	return OptionalStringArg{Value: rest[1:], Set: true}, true
}

// parseUint reads a decimal number no larger than max from the start of s.
// It returns the value and the number of bytes consumed, or false when s does
// not start with a digit or the number overflows max.
func parseUint(s string, max uint64) (uint64, int, bool) {
	var v uint64
	i := 0
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		d := uint64(s[i] - '0')
		if d > max || v > (max-d)/10 {
			return 0, 0, false
		}
		v = v*10 + d
	}
	return v, i, i > 0
}

// parseByteList reads n comma separated numbers in 0..255.
// Each number but the last must be followed by a comma.
func parseByteList(s string, n int) ([]byte, string, bool) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		v, used, ok := parseUint(s, 255)
		if !ok {
			return nil, "", false
		}
		out[i] = byte(v)
		s = s[used:]
		if i < n-1 {
			if s == "" || s[0] != ',' {
				return nil, "", false
			}
			s = s[1:]
		}
	}
	return out, s, true
}

func parseHostPort(rest string) (Arg, bool) {
	if rest == "" || rest[0] != ' ' {
		return nil, false
	}
	b, tail, ok := parseByteList(rest[1:], 6)
	if !ok || tail != "" {
		return nil, false
	}
	return HostPortArg{
		Addr: netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]}),
		Port: uint16(b[4])<<8 | uint16(b[5]),
	}, true
}

// parseLongHostPort reads "af,hal,h1,...,hn,pal,p1,...,pn". Families other
// than 4 and 6 are accepted so the session can answer with the families it supports.
func parseLongHostPort(rest string) (Arg, bool) {
	if rest == "" || rest[0] != ' ' {
		return nil, false
	}
	head, s, ok := parseByteList(rest[1:], 2)
	if !ok || s == "" || s[0] != ',' {
		return nil, false
	}
	af, hal := int(head[0]), int(head[1])
	switch {
	case af == 4 && hal != 4, af == 6 && hal != 16:
		return nil, false
	}
	// hal address bytes, then the port length, then two port bytes
	b, tail, ok := parseByteList(s[1:], hal+3)
	if !ok || tail != "" || b[hal] != 2 {
		return nil, false
	}
	arg := LongHostPortArg{Family: af, Port: uint16(b[hal+1])<<8 | uint16(b[hal+2])}
	switch af {
	case 4:
		arg.Addr = netip.AddrFrom4([4]byte(b[:4]))
	case 6:
		arg.Addr = netip.AddrFrom16([16]byte(b[:16]))
	}
	return arg, true
}

// parseExtHostPort reads "<d>af<d>addr<d>port<d>" where d is any printable delimiter.
func parseExtHostPort(rest string) (Arg, bool) {
	if len(rest) < 2 || rest[0] != ' ' {
		return nil, false
	}
	d := rest[1]
	if d < 33 || d > 126 {
		return nil, false
	}
	parts := strings.Split(rest[2:], string(d))
	if len(parts) != 4 || parts[3] != "" {
		return nil, false
	}
	af, used, ok := parseUint(parts[0], 2)
	if !ok || used != len(parts[0]) || af == 0 {
		return nil, false
	}
	if parts[1] == "" {
		return nil, false
	}
	port, used, ok := parseUint(parts[2], math.MaxUint16)
	if !ok || used != len(parts[2]) {
		return nil, false
	}
	return ExtHostPortArg{Family: int(af), Addr: parts[1], Port: uint16(port)}, true
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}

func parseType(rest string) (Arg, bool) {
	if len(rest) < 2 || rest[0] != ' ' {
		return nil, false
	}
	code, tail := upper(rest[1]), rest[2:]
	switch code {
	case 'A':
		if tail == "" {
			return TypeArg{Code: 'A'}, true
		}
		if len(tail) == 2 && tail[0] == ' ' && upper(tail[1]) == 'N' {
			return TypeArg{Code: 'A', Format: 'N'}, true
		}
	case 'I':
		if tail == "" {
			return TypeArg{Code: 'I'}, true
		}
	case 'L':
		if len(tail) < 2 || tail[0] != ' ' {
			return nil, false
		}
		n, used, ok := parseUint(tail[1:], 255)
		if ok && used == len(tail)-1 {
			return TypeArg{Code: 'L', ByteSize: int(n)}, true
		}
	}
	return nil, false
}

// parseLetter accepts " X" where X is one of letters, ignoring case.
func parseLetter(rest, letters string) (byte, bool) {
	if len(rest) != 2 || rest[0] != ' ' {
		return 0, false
	}
	c := upper(rest[1])
	return c, strings.IndexByte(letters, c) >= 0
}

func parseStructure(rest string) (Arg, bool) {
	c, ok := parseLetter(rest, "FRP")
	return StructureArg(c), ok
}

func parseMode(rest string) (Arg, bool) {
	c, ok := parseLetter(rest, "SBC")
	return ModeArg(c), ok
}

func parseOffset(rest string) (Arg, bool) {
	if len(rest) < 2 || rest[0] != ' ' {
		return nil, false
	}
	v, used, ok := parseUint(rest[1:], math.MaxInt64)
	if !ok || used != len(rest)-1 {
		return nil, false
	}
	return OffsetArg(v), true
}

func parseEPSV(rest string) (Arg, bool) {
	if rest == "" {
		return EPSVArg{}, true
	}
	if rest[0] != ' ' {
		return nil, false
	}
	rest = rest[1:]
	if strings.EqualFold(rest, "ALL") {
		return EPSVArg{All: true}, true
	}
	v, used, ok := parseUint(rest, 255)
	if !ok || used != len(rest) {
		return nil, false
	}
	return EPSVArg{Family: int(v), Set: true}, true
}
