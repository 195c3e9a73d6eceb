// Package ksym decodes the kernel symbol table blob that the build process
// embeds alongside the kernel image and resolves return addresses to the
// symbol with the nearest address at or below them, global or local, for
// use in panic backtraces.
package ksym

import (
	"encoding/binary"
	"kernelcore/kernel"
)

// magic is the 4-byte identifier that must appear at the start of a symbol
// table blob.
const magic = "KSyM"

const supportedRevision = 1

var (
	errBadMagic    = &kernel.Error{Module: "ksym", Message: "symbol table: bad magic"}
	errBadRevision = &kernel.Error{Module: "ksym", Message: "symbol table: unsupported revision"}
	errTruncated   = &kernel.Error{Module: "ksym", Message: "symbol table: truncated blob"}
)

// flag bits for Symbol.Flags.
const (
	// FlagGlobal is set when the symbol has external linkage.
	FlagGlobal uint16 = 1 << 0
)

// Symbol describes a single entry of the on-disk symbol table.
type Symbol struct {
	Name  string
	Flags uint16
	Size  uint64
	Value uint64
}

// Table is a parsed, queryable kernel symbol table.
type Table struct {
	syms []Symbol
}

const headerLen = 4 + 1 + 8 + 8 + 8 + 8 + 8

// Parse decodes a "KSyM"-tagged blob into a Table. The on-disk layout is:
//
//	magic        [4]byte  "KSyM"
//	revision     byte
//	nameTabOff   uint64
//	nameTabLen   uint64
//	symTabOff    uint64
//	symEntrySize uint64
//	symCount     uint64
//	...
//	each symbol entry: {name_offset: u64, flags: u16, size: u64, value: u64}
func Parse(blob []byte) (*Table, *kernel.Error) {
	if len(blob) < headerLen || string(blob[0:4]) != magic {
		return nil, errBadMagic
	}
	if blob[4] != supportedRevision {
		return nil, errBadRevision
	}

	off := 5
	nameTabOff := binary.LittleEndian.Uint64(blob[off:])
	off += 8
	nameTabLen := binary.LittleEndian.Uint64(blob[off:])
	off += 8
	symTabOff := binary.LittleEndian.Uint64(blob[off:])
	off += 8
	symEntrySize := binary.LittleEndian.Uint64(blob[off:])
	off += 8
	symCount := binary.LittleEndian.Uint64(blob[off:])

	if nameTabOff+nameTabLen > uint64(len(blob)) || symTabOff+symCount*symEntrySize > uint64(len(blob)) {
		return nil, errTruncated
	}

	nameTab := blob[nameTabOff : nameTabOff+nameTabLen]

	t := &Table{syms: make([]Symbol, 0, symCount)}
	for i := uint64(0); i < symCount; i++ {
		entry := blob[symTabOff+i*symEntrySize:]
		nameOff := binary.LittleEndian.Uint64(entry[0:])
		flags := binary.LittleEndian.Uint16(entry[8:])
		size := binary.LittleEndian.Uint64(entry[10:])
		value := binary.LittleEndian.Uint64(entry[18:])

		name := cString(nameTab, nameOff)
		t.syms = append(t.syms, Symbol{Name: name, Flags: flags, Size: size, Value: value})
	}

	return t, nil
}

func cString(tab []byte, off uint64) string {
	if off >= uint64(len(tab)) {
		return ""
	}
	end := off
	for end < uint64(len(tab)) && tab[end] != 0 {
		end++
	}
	return string(tab[off:end])
}

// Resolve returns the symbol whose value is the nearest address at or below
// addr, and the offset of addr within that symbol. It returns ok=false if no
// symbol precedes addr.
func (t *Table) Resolve(addr uint64) (sym Symbol, offset uint64, ok bool) {
	var best *Symbol
	for i := range t.syms {
		s := &t.syms[i]
		if s.Value <= addr && (best == nil || s.Value > best.Value) {
			best = s
		}
	}
	if best == nil {
		return Symbol{}, 0, false
	}
	return *best, addr - best.Value, true
}
