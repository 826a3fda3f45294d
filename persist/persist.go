// Package persist stores the small registration state that must
// survive reboot: the operator list and the last successful PLMN.
// Backing storage is extremofile, which keeps a verified backup copy
// for nodes that lose power mid-write.
package persist

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"

	"github.com/airgradient/cellular-uplink/log2"
)

type Store struct {
	log *log2.Log
	w   io.Writer

	// loaded state, valid after Open
	Operators   string // "<plmn>:<AcT>[,...]"
	CurrentPLMN uint32
}

// Open reads the persisted registration state. Missing or corrupt data
// degrades to the empty state: the modem falls back to an operator scan.
func Open(log *log2.Log, dir string) (*Store, error) {
	data, w, err := extremofile.Open(dir)
	if w == nil {
		return nil, errors.Annotatef(err, "persist open dir=%s", dir)
	}
	s := &Store{log: log, w: w}
	if err != nil {
		log.Infof("persist open dir=%s degraded err=%v", dir, err)
	}
	s.parse(data)
	return s, nil
}

func (s *Store) parse(data []byte) {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key, value := line[:eq], line[eq+1:]
		switch key {
		case "operators":
			s.Operators = value
		case "plmn":
			plmn, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				s.log.Infof("persist bad plmn %q", value)
				continue
			}
			s.CurrentPLMN = uint32(plmn)
		}
	}
}

// Save writes the state through a verified atomic replace.
func (s *Store) Save(operators string, plmn uint32) error {
	s.Operators = operators
	s.CurrentPLMN = plmn
	blob := fmt.Sprintf("operators=%s\nplmn=%d\n", operators, plmn)
	if _, err := s.w.Write([]byte(blob)); err != nil {
		return errors.Annotate(err, "persist save")
	}
	return nil
}
