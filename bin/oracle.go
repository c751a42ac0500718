package bin

import (
	"bufio"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/mewkiz/pkg/bufioutil"
	"github.com/mewkiz/pkg/jsonutil"
	"github.com/mewkiz/pkg/term"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "bin:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("bin:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// SetDebugOutput sets the output destination of the debug logger.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// NameMap maps from address to a human-readable symbol name fragment.
type NameMap map[Addr]string

// ParseAddrs parses a list of addresses delimited by whitespace. Each address
// is specified in decimal, or in hexadecimal if prefixed with `0x`.
func ParseAddrs(r io.Reader) (Addrs, error) {
	s := bufio.NewScanner(r)
	s.Split(bufio.ScanWords)
	var addrs Addrs
	for s.Scan() {
		var addr Addr
		if err := addr.Set(s.Text()); err != nil {
			return nil, errors.Wrapf(err, "invalid address %q", s.Text())
		}
		addrs = append(addrs, addr)
	}
	if err := s.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return addrs, nil
}

// LoadAddrs loads the list of trace head addresses from the given file. A file
// with a ".json" extension is parsed as a JSON array of address strings, any
// other file as a whitespace delimited list of addresses.
func LoadAddrs(path string) (Addrs, error) {
	dbg.Printf("LoadAddrs(path = %q)", path)
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		var addrs Addrs
		if err := jsonutil.ParseFile(path, &addrs); err != nil {
			return nil, errors.Wrapf(err, "unable to parse basic blocks file %q", path)
		}
		return addrs, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open basic blocks file %q", path)
	}
	defer f.Close()
	addrs, err := ParseAddrs(f)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse basic blocks file %q", path)
	}
	return addrs, nil
}

// ParseNameMap parses a name map with one entry per line. The first field of
// an entry is the address and the last field is the symbol name; fields in
// between are ignored. Blank lines and lines starting with '#' are skipped.
func ParseNameMap(r io.Reader) (NameMap, error) {
	lines, err := bufioutil.ReadLines(r)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	names := make(NameMap)
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, errors.Errorf("invalid name map entry on line %d; expected address and name, got %q", i+1, line)
		}
		var addr Addr
		if err := addr.Set(fields[0]); err != nil {
			return nil, errors.Wrapf(err, "invalid address on line %d", i+1)
		}
		name := fields[len(fields)-1]
		if prev, ok := names[addr]; ok && prev != name {
			warn.Printf("duplicate name for address %v; %q overrides %q", addr, name, prev)
		}
		names[addr] = name
	}
	return names, nil
}

// LoadNameMap loads the name map of the given file.
func LoadNameMap(path string) (NameMap, error) {
	dbg.Printf("LoadNameMap(path = %q)", path)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open name map file %q", path)
	}
	defer f.Close()
	names, err := ParseNameMap(f)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse name map file %q", path)
	}
	return names, nil
}
