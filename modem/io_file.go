package modem

// Serial AT channel over a Linux character device, raw 8N1.
// This is the thinnest possible line tokeniser: the interesting
// protocol behavior lives behind the AtChannel interface.

import (
	"bufio"
	"bytes"
	"os"
	"strings"
	"syscall"
	"time"
	"unsafe"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"

	"github.com/airgradient/cellular-uplink/log2"
)

const (
	cFIONREAD = 0x541b
	cTCSETSF2 = 0x402c542d
	cTCFLSH   = 0x540b
	cNCCS     = 19
)

type cc_t byte
type speed_t uint32
type tcflag_t uint32
type termios2 struct {
	c_iflag  tcflag_t
	c_oflag  tcflag_t
	c_cflag  tcflag_t
	c_lflag  tcflag_t
	c_line   cc_t
	c_cc     [cNCCS]cc_t
	c_ispeed speed_t
	c_ospeed speed_t
}

var baudFlags = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

// FileAT implements AtChannel over a serial device file.
type FileAT struct {
	Log *log2.Log

	f      *os.File
	reader fdReader
	r      *bufio.Reader
	t2     termios2

	// line remainder after a WaitResponse prefix match, served by WaitLine
	rest string
}

var _ AtChannel = (*FileAT)(nil)

func NewFileAT(log *log2.Log) *FileAT { return &FileAT{Log: log} }

func (self *FileAT) Open(path string, baud int) error {
	flag, ok := baudFlags[baud]
	if !ok {
		return errors.Errorf("at: unsupported baudrate %d", baud)
	}
	if self.f != nil {
		self.f.Close()
	}
	f, err := os.OpenFile(path, syscall.O_RDWR|syscall.O_NOCTTY, 0600)
	if err != nil {
		return errors.Annotatef(err, "at: open %s", path)
	}
	self.f = f
	self.reader = fdReader{fd: f.Fd(), timeout: 20 * time.Millisecond}
	self.r = bufio.NewReader(self.reader)

	self.t2 = termios2{
		c_iflag:  unix.IGNPAR,
		c_cflag:  tcflag_t(syscall.CLOCAL | syscall.CREAD | syscall.CS8 | flag),
		c_ispeed: speed_t(flag),
		c_ospeed: speed_t(flag),
	}
	if err = ioctl(f.Fd(), cTCSETSF2, uintptr(unsafe.Pointer(&self.t2))); err != nil {
		f.Close()
		self.f = nil
		self.r = nil
		return errors.Annotate(err, "at: termios")
	}
	return nil
}

func (self *FileAT) Close() error {
	if self.f == nil {
		return nil
	}
	err := self.f.Close()
	self.f = nil
	self.r = nil
	return err
}

func (self *FileAT) SendAT(cmd string) {
	self.rest = ""
	line := "AT" + cmd + "\r"
	self.Log.Debugf("at> %s", strings.TrimSpace(line))
	if _, err := self.f.Write([]byte(line)); err != nil {
		self.Log.Errorf("at write err=%v", err)
	}
}

func (self *FileAT) SendRaw(b []byte) {
	if _, err := self.f.Write(b); err != nil {
		self.Log.Errorf("at write raw err=%v", err)
	}
}

func (self *FileAT) WaitResponse(timeout time.Duration, expect ...string) (int, Status) {
	if len(expect) == 0 {
		expect = []string{"OK"}
	}
	prompt := false
	for _, token := range expect {
		if token == ">" {
			prompt = true
		}
	}
	deadline := time.Now().Add(timeout)
	for {
		line, err := self.readLine(deadline, prompt)
		if err != nil {
			return 0, StatusTimeout
		}
		if line == "" {
			continue
		}
		self.Log.Debugf("at< %s", line)
		for i, token := range expect {
			if idx := strings.Index(line, token); idx >= 0 {
				self.rest = strings.TrimSpace(line[idx+len(token):])
				return i, StatusOK
			}
		}
		if line == "ERROR" || strings.HasPrefix(line, "+CME ERROR") || strings.HasPrefix(line, "+CMS ERROR") {
			return 0, StatusError
		}
		// unrelated URC, keep scanning until deadline
	}
}

func (self *FileAT) WaitLine(timeout time.Duration) (string, Status) {
	if self.rest != "" {
		line := self.rest
		self.rest = ""
		return line, StatusOK
	}
	deadline := time.Now().Add(timeout)
	for {
		line, err := self.readLine(deadline, false)
		if err != nil {
			return "", StatusTimeout
		}
		if line != "" {
			return line, StatusOK
		}
	}
}

func (self *FileAT) RetrieveBuffer(dst []byte, n int) int {
	read := 0
	deadline := time.Now().Add(atTimeoutDefault)
	for read < n && time.Now().Before(deadline) {
		m, _ := self.r.Read(dst[read:n])
		read += m
	}
	return read
}

func (self *FileAT) ClearBuffer() {
	self.rest = ""
	if self.f != nil {
		// flush driver input queue, then the userspace buffer
		_ = ioctl(self.f.Fd(), cTCFLSH, uintptr(0))
	}
	self.r.Reset(self.reader)
}

// readLine consumes one CR/LF-terminated line. With promptOK it also
// returns a bare ">" send prompt that carries no terminator.
func (self *FileAT) readLine(deadline time.Time, promptOK bool) (string, error) {
	var buf []byte
	for {
		if time.Now().After(deadline) {
			return "", errors.Timeoutf("at read line")
		}
		b, err := self.r.ReadByte()
		if err != nil {
			if promptOK {
				if trimmed := bytes.TrimSpace(buf); len(trimmed) > 0 && trimmed[0] == '>' {
					return ">", nil
				}
			}
			continue
		}
		if b == '\n' || b == '\r' {
			if len(buf) == 0 {
				continue
			}
			return string(bytes.TrimSpace(buf)), nil
		}
		buf = append(buf, b)
	}
}

type fdReader struct {
	fd      uintptr
	timeout time.Duration
}

func (self fdReader) Read(p []byte) (int, error) {
	if err := ioWaitRead(self.fd, 1, self.timeout); err != nil {
		return 0, err
	}
	return syscall.Read(int(self.fd), p)
}

func ioctl(fd uintptr, op, arg uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return os.NewSyscallError("SYS_IOCTL", errno)
	}
	return nil
}

func ioWaitRead(fd uintptr, min int, wait time.Duration) error {
	var out int
	tfinal := time.Now().Add(wait)
	for {
		if err := ioctl(fd, cFIONREAD, uintptr(unsafe.Pointer(&out))); err != nil {
			return err
		}
		if out >= min {
			return nil
		}
		if time.Now().After(tfinal) {
			return errors.Timeoutf("at read")
		}
		time.Sleep(wait / 16)
	}
}
