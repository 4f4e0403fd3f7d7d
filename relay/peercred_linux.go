//go:build linux

package relay

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerCreds reports pid/uid of a unix socket peer, "" when unavailable.
// Observability only, never used for authorization.
func peerCreds(conn net.Conn) string {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return ""
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return ""
	}
	var cred *unix.Ucred
	var gerr error
	if err = raw.Control(func(fd uintptr) {
		cred, gerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || gerr != nil || cred == nil {
		return ""
	}
	return fmt.Sprintf("pid=%d uid=%d", cred.Pid, cred.Uid)
}
