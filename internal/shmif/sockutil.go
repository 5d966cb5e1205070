package shmif

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// sendAll writes buf in full, looping over short writes as Unix stream
// sockets may produce.
func sendAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			return err
		}

		buf = buf[n:]
	}

	return nil
}

// sendWithFD writes buf with poolFD attached as SCM_RIGHTS ancillary data,
// used by the listener to hand its SHM pool to the connecter.
func sendWithFD(fd int, buf []byte, poolFD int) error {
	rights := unix.UnixRights(poolFD)

	n, oobn, err := unix.SendmsgN(fd, buf, rights, nil, 0)
	if err != nil {
		return err
	}

	if n < len(buf) {
		return sendAll(fd, buf[n:])
	}

	if oobn != len(rights) {
		return fmt.Errorf("shmif: short ancillary data write")
	}

	return nil
}

// recvAll reads exactly n bytes, looping over short reads.
func recvAll(fd int, n int) ([]byte, error) {
	buf := make([]byte, n)
	off := 0

	for off < n {
		m, err := unix.Read(fd, buf[off:])
		if err != nil {
			return nil, err
		}

		if m == 0 {
			return nil, fmt.Errorf("shmif: peer closed connection during handshake")
		}

		off += m
	}

	return buf, nil
}

// recvWithFD reads n bytes plus ancillary data (expected to carry exactly
// one fd) in a single recvmsg call.
func recvWithFD(fd int, n int) (buf []byte, oob []byte, err error) {
	buf = make([]byte, n)
	oob = make([]byte, unix.CmsgSpace(4))

	nr, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		return nil, nil, err
	}

	if nr < n {
		rest, err := recvAll(fd, n-nr)
		if err != nil {
			return nil, nil, err
		}

		buf = append(buf[:nr], rest...)
	}

	return buf, oob[:oobn], nil
}

// extractFD pulls the single passed fd out of SCM_RIGHTS ancillary data.
func extractFD(oob []byte) (int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, fmt.Errorf("shmif: parse control message: %w", err)
	}

	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}

		if len(fds) > 0 {
			return fds[0], nil
		}
	}

	return 0, fmt.Errorf("shmif: no fd found in ancillary data")
}
