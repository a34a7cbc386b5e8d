// Package symtab implements the Symbol Table component of spec §4.1: it
// ingests an nm-style text symbol file and answers name->address and
// address->(name, offset) queries.
package symtab

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/hvdump/xcrash/internal/memaddr"
	"github.com/hvdump/xcrash/internal/xerr"
)

// maxSymboliseGap is the largest offset symbolise() will report before
// giving up and returning "absent", per spec §4.1.
const maxSymboliseGap = 1 << 20 // 1 MiB

// textMarker is the symbol name that require_text_section checks for.
const textMarker = "_stext"

// Symbol is one entry of the table: a name, an address, and an nm-style
// one-character type code (T, t, D, b, ...).
type Symbol struct {
	Name    string
	Address memaddr.Address
	Type    byte
}

// Table is an immutable, sorted-by-address symbol table.
type Table struct {
	byAddr []Symbol       // sorted by Address, ascending
	byName map[string]memaddr.Address
}

// Parse reads path as an nm-style text symbol file: lines of the form
// "<hex address> <type char> <name>", blank lines and lines starting with
// '#' are ignored. If requireTextSection is true, Parse fails unless a
// symbol named "_stext" is present, which guards against a stripped or
// partial symtab being passed in place of the full hypervisor one.
func Parse(path string, requireTextSection bool, log *slog.Logger) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerr.Wrap(xerr.IO, xerr.Fatal, err, "opening symbol table %s", path)
	}
	defer f.Close()

	t, err := parse(f, log)
	if err != nil {
		return nil, err
	}
	if len(t.byAddr) == 0 {
		return nil, xerr.New(xerr.InvalidFormat, xerr.Fatal, "symbol table %s contains no usable symbols", path)
	}
	if requireTextSection {
		if _, ok := t.byName[textMarker]; !ok {
			return nil, xerr.New(xerr.InvalidFormat, xerr.Fatal,
				"symbol table %s is missing %s: refusing a stripped hypervisor symtab", path, textMarker)
		}
	}
	return t, nil
}

func parse(r io.Reader, log *slog.Logger) (*Table, error) {
	t := &Table{byName: make(map[string]memaddr.Address)}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sym, ok := parseLine(line)
		if !ok {
			if log != nil {
				log.Debug("skipping malformed symbol line", "line", lineNo, "text", line)
			}
			continue
		}
		t.byAddr = append(t.byAddr, sym)
		// First definition of a name wins, matching nm's output order
		// (local symbols before the matching global, typically).
		if _, dup := t.byName[sym.Name]; !dup {
			t.byName[sym.Name] = sym.Address
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, xerr.Wrap(xerr.IO, xerr.Fatal, err, "reading symbol table")
	}
	sort.Slice(t.byAddr, func(i, j int) bool {
		return t.byAddr[i].Address < t.byAddr[j].Address
	})
	return t, nil
}

// parseLine parses one "<hex> <type> <name>" line. Whitespace-separated,
// at least three fields; extra trailing fields (as nm sometimes emits for
// versioned symbols) are folded into name.
func parseLine(line string) (Symbol, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Symbol{}, false
	}
	addr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return Symbol{}, false
	}
	typ := fields[1]
	if len(typ) != 1 {
		return Symbol{}, false
	}
	name := strings.Join(fields[2:], " ")
	return Symbol{Name: name, Address: memaddr.Address(addr), Type: typ[0]}, true
}

// LookupName returns the address of name, and whether it was found.
func (t *Table) LookupName(name string) (memaddr.Address, bool) {
	a, ok := t.byName[name]
	return a, ok
}

// Symbolise returns the name of, and offset from, the symbol with the
// greatest address <= addr. It returns ok=false if there is no such
// symbol, or if the gap exceeds maxSymboliseGap (to avoid misattributing
// an address far past the end of any known function to that function).
func (t *Table) Symbolise(addr memaddr.Address) (name string, offset int64, ok bool) {
	i := sort.Search(len(t.byAddr), func(i int) bool {
		return t.byAddr[i].Address > addr
	})
	if i == 0 {
		return "", 0, false
	}
	sym := t.byAddr[i-1]
	off := addr.Sub(sym.Address)
	if off < 0 || off > maxSymboliseGap {
		return "", 0, false
	}
	return sym.Name, off, true
}

// Len returns the number of symbols in the table.
func (t *Table) Len() int {
	return len(t.byAddr)
}

func (s Symbol) String() string {
	return fmt.Sprintf("%016x %c %s", uint64(s.Address), s.Type, s.Name)
}
