// ToyTLV format by Victor Grishchenko (MIT licence),
// https://github.com/learn-decentralized-systems/toytlv

/*
Package toytlv implements the compact Type-Length-Value framing used for tank
index metadata.

Record types are letters A-Z. Three header forms are selected by body size:

 1. Tiny (1 byte): ['0'+len], bodies of 0-9 bytes, lowercase lit only
 2. Short (2 bytes): [lowercase lit, len], bodies up to 255 bytes
 3. Long (5 bytes): [uppercase lit, len as 4-byte little endian]

Take/TakeAny trust their input and signal errors with nil returns;
TakeWary/TakeAnyWary return explicit errors and are meant for bytes read
back from storage.
*/
package toytlv

import (
	"encoding/binary"
	"errors"
)

const CaseBit uint8 = 'a' - 'A'

var (
	ErrIncomplete = errors.New("incomplete data")
	ErrBadRecord  = errors.New("bad TLV record format")
)

// ProbeHeader returns the record type ('A'-'Z', '0' for tiny, '-' for
// garbage, 0 for incomplete), header length and body length.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	dlit := data[0]
	if dlit >= '0' && dlit <= '9' { // tiny
		lit = '0'
		bodylen = int(dlit - '0')
		hdrlen = 1
	} else if dlit >= 'a' && dlit <= 'z' { // short
		if len(data) < 2 {
			return
		}
		lit = dlit - CaseBit
		hdrlen = 2
		bodylen = int(data[1])
	} else if dlit >= 'A' && dlit <= 'Z' { // long
		if len(data) < 5 {
			return
		}
		bl := binary.LittleEndian.Uint32(data[1:5])
		if bl > 0x7fffffff {
			lit = '-'
			return
		}
		lit = dlit
		bodylen = int(bl)
		hdrlen = 5
	} else {
		lit = '-'
	}
	return
}

// AppendHeader appends a record header for a body of the given length.
// Lowercase lit enables the tiny form.
func AppendHeader(into []byte, lit byte, bodylen int) (ret []byte) {
	biglit := lit &^ CaseBit
	if biglit < 'A' || biglit > 'Z' {
		panic("ToyTLV record type is A..Z")
	}
	if bodylen < 10 && (lit&CaseBit) != 0 {
		ret = append(into, byte('0'+bodylen))
	} else if bodylen > 0xff {
		if bodylen > 0x7fffffff {
			panic("oversized TLV record")
		}
		ret = append(into, biglit)
		ret = binary.LittleEndian.AppendUint32(ret, uint32(bodylen))
	} else {
		ret = append(into, lit|CaseBit, byte(bodylen))
	}
	return ret
}

func Take(lit byte, data []byte) (body, rest []byte) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data // Incomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil // BadRecord
	}
	body = data[hdrlen : hdrlen+bodylen]
	rest = data[hdrlen+bodylen:]
	return
}

func TakeAny(data []byte) (lit byte, body, rest []byte) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	lit = data[0] & ^CaseBit
	body, rest = Take(lit, data)
	return
}

func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil, ErrBadRecord
	}
	body = data[hdrlen : hdrlen+bodylen]
	rest = data[hdrlen+bodylen:]
	return
}

func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil, ErrIncomplete
	}
	lit, hdrlen, bodylen := ProbeHeader(data)
	if lit == '-' {
		return 0, nil, nil, ErrBadRecord
	}
	if lit == 0 || hdrlen+bodylen > len(data) {
		return 0, nil, data, ErrIncomplete
	}
	body = data[hdrlen : hdrlen+bodylen]
	rest = data[hdrlen+bodylen:]
	return
}

func TotalLen(inputs [][]byte) (sum int) {
	for _, input := range inputs {
		sum += len(input)
	}
	return
}

// Append constructs a complete record and appends it to the buffer.
func Append(into []byte, lit byte, body ...[]byte) (res []byte) {
	total := TotalLen(body)
	res = AppendHeader(into, lit, total)
	for _, b := range body {
		res = append(res, b...)
	}
	return res
}

func Record(lit byte, body ...[]byte) []byte {
	total := TotalLen(body)
	ret := make([]byte, 0, total+5)
	ret = AppendHeader(ret, lit, total)
	for _, b := range body {
		ret = append(ret, b...)
	}
	return ret
}

func TinyRecord(lit byte, body []byte) (tiny []byte) {
	lowercaseLit := (lit &^ CaseBit) | CaseBit
	return Record(lowercaseLit, body)
}

func Concat(msg ...[]byte) []byte {
	total := TotalLen(msg)
	ret := make([]byte, 0, total)
	for _, b := range msg {
		ret = append(ret, b...)
	}
	return ret
}

// Fields splits a sequence of long/short records into (lit, body) pairs.
// Tiny records carry no type and are rejected.
func Fields(data []byte) (lits []byte, bodies [][]byte, err error) {
	for len(data) > 0 {
		var lit byte
		var body []byte
		lit, body, data, err = TakeAnyWary(data)
		if err != nil {
			return nil, nil, err
		}
		if lit == '0' {
			return nil, nil, ErrBadRecord
		}
		lits = append(lits, lit)
		bodies = append(bodies, body)
	}
	return
}
