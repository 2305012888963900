// Package handshake implements the socket→SHM upgrade negotiation (spec
// §4.5, §6): the client announces intent with a magic token on the
// application channel, the server creates two sealed anonymous memfd-backed
// regions and passes their file descriptors out-of-band over the Unix
// socket's SCM_RIGHTS ancillary data, and both sides verify same-user trust
// before committing to the upgrade. Any failure at any step falls back to
// socket-only for that session, never tearing down the connection.
//
// fd-passing and memfd creation are grounded on the pack's raw
// shared-memory samples (other_examples' go-shared_memory.go uses
// Open/Ftruncate/Mmap on /dev/shm; this package swaps the named path for an
// anonymous, sealed memfd since spec §4.5 explicitly calls for anonymous
// regions) plus golang.org/x/sys/unix's Unix credential/fd-passing support,
// which the teacher's go.mod already pulls in for its own platform code.
package handshake

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/Leif-Rydenfalk/cell/internal/transport/shm"
	"github.com/Leif-Rydenfalk/cell/internal/transport/socket"
	"github.com/Leif-Rydenfalk/cell/internal/wire"
	"github.com/Leif-Rydenfalk/cell/internal/xerror"
)

const nonceSize = 32

// hmacKey is derived per-process at startup; since trust is same-user/
// same-machine only (spec §4.5), the key just needs to prevent a confused
// third party on the same socket directory from completing a bogus upgrade
// with a stale challenge, not resist real cryptographic adversaries.
var hmacKey = func() []byte {
	k := make([]byte, 32)
	_, _ = rand.Read(k)
	return k
}()

func sign(nonce []byte) []byte {
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(nonce)
	return mac.Sum(nil)
}

// createSealedRegion allocates an anonymous, sealed memfd of the given size
// and maps it, returning both the fd (to be passed to the peer) and the
// local mapping.
func createSealedRegion(size uint64) (fd int, region *shm.MappedRegion, err error) {
	fd, err = unix.MemfdCreate("cell-ring", unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, nil, xerror.New(xerror.Resource, xerror.PhaseHandshake, fmt.Errorf("memfd_create: %w", err))
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, nil, xerror.New(xerror.Resource, xerror.PhaseHandshake, fmt.Errorf("ftruncate: %w", err))
	}
	// Seal against further size changes; the region's extent is now fixed
	// for the lifetime of both peers' mappings.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		unix.Close(fd)
		return -1, nil, xerror.New(xerror.Resource, xerror.PhaseHandshake, fmt.Errorf("seal: %w", err))
	}
	region, err = shm.MapRegion(fd, int(size))
	if err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	return fd, region, nil
}

// peerUID returns the effective UID of the process on the other end of a
// Unix socket via SO_PEERCRED, the same-machine trust anchor spec §4.5
// requires ("intra-machine same-user trust only").
func peerUID(c *net.UnixConn) (uint32, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return 0, err
	}
	var cred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if sockErr != nil {
		return 0, sockErr
	}
	return cred.Uid, nil
}

// sendFDs passes fds to the peer over a Unix socket's ancillary data,
// together with a small header payload.
func sendFDs(c *net.UnixConn, header []byte, fds ...int) error {
	rights := unix.UnixRights(fds...)
	_, _, err := c.WriteMsgUnix(header, rights, nil)
	return err
}

// recvFDs reads a header payload plus fd count file descriptors passed via
// SCM_RIGHTS.
func recvFDs(c *net.UnixConn, headerLen int, fdCount int) (header []byte, fds []int, err error) {
	header = make([]byte, headerLen)
	oob := make([]byte, unix.CmsgSpace(4*fdCount))

	n, oobn, _, _, err := c.ReadMsgUnix(header, oob)
	if err != nil {
		return nil, nil, err
	}
	if n != headerLen {
		return nil, nil, fmt.Errorf("handshake: short header read (%d of %d)", n, headerLen)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, nil, err
	}
	for _, cmsg := range cmsgs {
		parsed, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		fds = append(fds, parsed...)
	}
	if len(fds) != fdCount {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, nil, fmt.Errorf("handshake: expected %d fds, got %d", fdCount, len(fds))
	}
	return header, fds, nil
}

// Result carries the negotiated SHM transport plus the socket kept alive as
// a watchdog, or ok=false when the upgrade did not happen (either side may
// decline without it being an error: spec §4.5's "any failure falls back to
// socket-only for that session").
type Result struct {
	Conn *shm.Conn
	OK   bool
}

// Offer is run by the client: it sends the upgrade magic, then participates
// in the fd exchange and challenge/response. ctx governs the whole
// negotiation; a timeout or any protocol error yields (Result{OK:false},
// nil) rather than an error, since declining the upgrade is not itself a
// failure of the connection.
func Offer(ctx context.Context, sc *socket.Conn, capacity uint64) (Result, error) {
	if err := sc.Send(ctx, byte(wire.ChannelApplication), []byte(wire.UpgradeMagic)); err != nil {
		return Result{}, err
	}

	uc, ok := sc.Underlying().(*net.UnixConn)
	if !ok {
		return Result{}, nil // non-Unix transport (e.g. tests over TCP): no SHM possible
	}

	// Server responds with capacity (u64) + nonce(32) header plus two fds.
	header, fds, err := recvFDs(uc, 8+nonceSize, 2)
	if err != nil {
		return Result{}, nil // declined/failed upgrade; caller stays on socket
	}
	serverCapacity := binary.LittleEndian.Uint64(header[:8])
	nonce := header[8:]

	if serverCapacity != capacity {
		closeAll(fds)
		return Result{}, nil
	}

	peerUIDVal, err := peerUID(uc)
	if err != nil || peerUIDVal != uint32(unix.Getuid()) {
		closeAll(fds)
		return Result{}, nil
	}

	response := sign(nonce)
	if err := writeExact(uc, response); err != nil {
		closeAll(fds)
		return Result{}, nil
	}

	// From the client's perspective, fds[0] is the region it writes into
	// (server's rx) and fds[1] is the region it reads from (server's tx).
	txRegion, err := shm.MapRegion(fds[0], int(shm.BufferSizeFor(capacity)))
	if err != nil {
		closeAll(fds)
		return Result{}, nil
	}
	rxRegion, err := shm.MapRegion(fds[1], int(shm.BufferSizeFor(capacity)))
	if err != nil {
		txRegion.Close()
		closeAll(fds)
		return Result{}, nil
	}
	closeAll(fds) // mapping holds the memory; the fds themselves can close now

	conn, err := shm.New(txRegion, rxRegion, capacity, sc)
	if err != nil {
		return Result{}, nil
	}
	return Result{Conn: conn, OK: true}, nil
}

// Accept is run by the server upon observing the upgrade magic on a fresh
// connection: it creates the two sealed regions, sends their fds plus a
// nonce, and verifies the HMAC response before committing.
func Accept(ctx context.Context, sc *socket.Conn, capacity uint64) (Result, error) {
	uc, ok := sc.Underlying().(*net.UnixConn)
	if !ok {
		return Result{}, nil
	}

	peerUIDVal, err := peerUID(uc)
	if err != nil || peerUIDVal != uint32(unix.Getuid()) {
		return Result{}, nil
	}

	size := shm.BufferSizeFor(capacity)
	rxFd, rxRegion, err := createSealedRegion(size) // server reads from this one (client's tx)
	if err != nil {
		return Result{}, nil
	}
	txFd, txRegion, err := createSealedRegion(size) // server writes to this one (client's rx)
	if err != nil {
		rxRegion.Close()
		unix.Close(rxFd)
		return Result{}, nil
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Result{}, nil
	}

	header := make([]byte, 8+nonceSize)
	binary.LittleEndian.PutUint64(header[:8], capacity)
	copy(header[8:], nonce)

	// Client maps fds in (tx-from-its-view, rx-from-its-view) order: send
	// (client's tx = our rx, client's rx = our tx).
	if err := sendFDs(uc, header, rxFd, txFd); err != nil {
		rxRegion.Close()
		txRegion.Close()
		return Result{}, nil
	}
	unix.Close(rxFd)
	unix.Close(txFd)

	response := make([]byte, sha256.Size)
	if err := readExact(uc, response); err != nil {
		rxRegion.Close()
		txRegion.Close()
		return Result{}, nil
	}
	if !hmac.Equal(response, sign(nonce)) {
		rxRegion.Close()
		txRegion.Close()
		return Result{}, nil
	}

	conn, err := shm.New(txRegion, rxRegion, capacity, sc)
	if err != nil {
		return Result{}, nil
	}
	return Result{Conn: conn, OK: true}, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

func writeExact(c *net.UnixConn, b []byte) error {
	for len(b) > 0 {
		n, err := c.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func readExact(c *net.UnixConn, b []byte) error {
	for len(b) > 0 {
		n, err := c.Read(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

