package modem

// Scripted AtChannel stub to test registration and transport flows
// without a module attached.

import (
	"strings"
	"time"
)

// MockReply is what the channel "hears" after one command: response
// text matched by WaitResponse, payload lines for WaitLine, raw bytes
// for RetrieveBuffer.
type MockReply struct {
	Response string
	Lines    []string
	Buffer   []byte
	Timeout  bool
}

// MockAT answers SendAT through Handler and keeps a transcript.
// Unsolicited replies (URCs) are queued with Push and served by the
// next WaitResponse ahead of command replies.
type MockAT struct {
	Handler func(cmd string) MockReply

	Cmds []string
	Raw  [][]byte

	current  MockReply
	lineIdx  int
	unsolQue []MockReply
}

var _ AtChannel = (*MockAT)(nil)

func (ma *MockAT) Push(reply MockReply) {
	ma.unsolQue = append(ma.unsolQue, reply)
}

func (ma *MockAT) SendAT(cmd string) {
	ma.Cmds = append(ma.Cmds, cmd)
	if ma.Handler != nil {
		ma.current = ma.Handler(cmd)
	} else {
		ma.current = MockReply{Timeout: true}
	}
	ma.lineIdx = 0
}

func (ma *MockAT) SendRaw(b []byte) {
	ma.Raw = append(ma.Raw, append([]byte(nil), b...))
}

func (ma *MockAT) WaitResponse(timeout time.Duration, expect ...string) (int, Status) {
	if len(ma.unsolQue) > 0 {
		ma.current = ma.unsolQue[0]
		ma.unsolQue = ma.unsolQue[1:]
		ma.lineIdx = 0
	}
	if ma.current.Timeout {
		return 0, StatusTimeout
	}
	if len(expect) == 0 {
		expect = []string{"OK"}
	}
	for i, token := range expect {
		if strings.Contains(ma.current.Response, token) {
			return i, StatusOK
		}
	}
	if strings.Contains(ma.current.Response, "ERROR") {
		return 0, StatusError
	}
	return 0, StatusTimeout
}

func (ma *MockAT) WaitLine(timeout time.Duration) (string, Status) {
	if ma.current.Timeout || ma.lineIdx >= len(ma.current.Lines) {
		return "", StatusTimeout
	}
	line := ma.current.Lines[ma.lineIdx]
	ma.lineIdx++
	return line, StatusOK
}

func (ma *MockAT) RetrieveBuffer(dst []byte, n int) int {
	return copy(dst, ma.current.Buffer)
}

func (ma *MockAT) ClearBuffer() {
	ma.current = MockReply{}
	ma.lineIdx = 0
}

// CountCmd reports how many sent commands begin with prefix.
func (ma *MockAT) CountCmd(prefix string) int {
	n := 0
	for _, c := range ma.Cmds {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
