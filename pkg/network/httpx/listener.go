package httpx

import (
	"errors"
	"net"
	"os"
	"strconv"
	"syscall"
)

const maxPortRollAttempts = 42

type Listener struct {
	net.Listener
}

// NewListener binds the address and, when rollPorts is set,
// probes the next ports if the wanted one is already taken.
func NewListener(address string, rollPorts bool) (*Listener, error) {
	ls, err := net.Listen("tcp4", address)
	if err != nil {
		if rollPorts && isErrorAddressAlreadyInUse(err) {
			host, port, e := net.SplitHostPort(address)
			if e != nil {
				return nil, err
			}
			p, e := strconv.Atoi(port)
			if e != nil {
				return nil, err
			}
			for i := p + 1; i < p+maxPortRollAttempts; i++ {
				ls, err = net.Listen("tcp4", net.JoinHostPort(host, strconv.Itoa(i)))
				if err == nil {
					return &Listener{ls}, nil
				}
			}
		}
		return nil, err
	}
	return &Listener{ls}, nil
}

func (l *Listener) Port() int {
	if l == nil || l.Listener == nil {
		return 0
	}
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func isErrorAddressAlreadyInUse(err error) bool {
	var eOsSyscall *os.SyscallError
	if !errors.As(err, &eOsSyscall) {
		return false
	}
	var errErrno syscall.Errno
	if !errors.As(eOsSyscall, &errErrno) {
		return false
	}
	return errErrno == syscall.EADDRINUSE
}
