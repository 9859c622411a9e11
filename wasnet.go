// Package wasnet implements the networking subsystem a sandboxed WebAssembly
// runtime exposes to its guests: per-process virtual network stacks with
// routing tables, datagram sockets and name resolution, plus the syscall
// dispatch layer that validates guest memory and maps failures to the
// guest-visible error numbers.
package wasnet

import (
	"log/slog"

	"github.com/wasnet/wasnet/internal/guestmem"
	"github.com/wasnet/wasnet/internal/vnet"
	"github.com/wasnet/wasnet/internal/vnet/host"
	"github.com/wasnet/wasnet/internal/wasix"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Networking is the capability interface the runtime resolves for each
// sandboxed process.
type Networking = vnet.Networking

// Conn is a datagram endpoint of a virtual stack.
type Conn = vnet.Conn

// Net is the in-process virtual network stack backing one process.
type Net = vnet.Net

// HostNet is the kernel-backed implementation of the same capability. It
// also serves as an Egress backend for bridged virtual stacks.
type HostNet = host.Net

// Route is one routing table entry.
type Route = vnet.Route

// RoutingTable is an ordered longest-prefix-match table with route
// lifetimes.
type RoutingTable = vnet.RoutingTable

// DuplicatePolicy selects how RouteAdd treats an existing destination.
type DuplicatePolicy = vnet.DuplicatePolicy

// Family selects the address family of a socket.
type Family = vnet.Family

// Egress forwards routed datagrams that leave a virtual stack.
type Egress = vnet.Egress

// Memory is the linear memory of a guest instance.
type Memory = guestmem.Memory

// SliceMemory is a Memory backed by a byte slice, for hosts and tests.
type SliceMemory = guestmem.SliceMemory

// CallerContext identifies the process and thread behind a syscall.
type CallerContext = wasix.CallerContext

// Errno is the guest-visible error number of a syscall.
type Errno = wasix.Errno

// SocketType mirrors the guest's socket type discriminant.
type SocketType = wasix.SocketType

// Registry resolves caller contexts to per-process state.
type Registry = wasix.Registry

// Process is the per-process state held by a Registry.
type Process = wasix.Process

// System32 dispatches syscalls for guests with 32-bit pointers.
type System32 = wasix.System[uint32]

// System64 dispatches syscalls for guests with 64-bit pointers.
type System64 = wasix.System[uint64]

// Address families.
const (
	FamilyInet4 = vnet.FamilyInet4
	FamilyInet6 = vnet.FamilyInet6
)

// Duplicate-route policies.
const (
	ReplaceOnDuplicate = vnet.ReplaceOnDuplicate
	RejectOnDuplicate  = vnet.RejectOnDuplicate
)

// Socket types.
const (
	SockUnknown   = wasix.SockUnknown
	SockStream    = wasix.SockStream
	SockDgram     = wasix.SockDgram
	SockRaw       = wasix.SockRaw
	SockSeqpacket = wasix.SockSeqpacket
)

// Errnos embedders commonly branch on: polling loops retry on EAGAIN, list
// callers grow buffers on EOVERFLOW, and EMEMVIOLATION usually means the
// guest should trap. Every syscall result converts to its wire value with
// uint16.
const (
	ESUCCESS      = wasix.ESUCCESS
	EAGAIN        = wasix.EAGAIN
	EBADF         = wasix.EBADF
	EINVAL        = wasix.EINVAL
	ENOENT        = wasix.ENOENT
	EOVERFLOW     = wasix.EOVERFLOW
	EMEMVIOLATION = wasix.EMEMVIOLATION
)

// Common sentinel errors.
var (
	ErrInvalidRoute       = vnet.ErrInvalidRoute
	ErrRouteNotFound      = vnet.ErrRouteNotFound
	ErrRouteExists        = vnet.ErrRouteExists
	ErrInvalidAddr        = vnet.ErrInvalidAddr
	ErrAddrNotFound       = vnet.ErrAddrNotFound
	ErrAddrExists         = vnet.ErrAddrExists
	ErrNoInterface        = vnet.ErrNoInterface
	ErrHostNotFound       = vnet.ErrHostNotFound
	ErrHostUnreachable    = vnet.ErrHostUnreachable
	ErrPortInUse          = vnet.ErrPortInUse
	ErrFamilyNotSupported = vnet.ErrFamilyNotSupported
	ErrNotConnected       = vnet.ErrNotConnected
	ErrNotSupported       = vnet.ErrNotSupported
)

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// NewStack creates the virtual network stack for one sandboxed process.
//
// The caller must Close the stack when the process exits to release its
// sockets and services.
func NewStack(logger *slog.Logger) (*Net, error) {
	return vnet.New(logger)
}

// NewHostNetworking creates the kernel-backed Networking implementation.
// On platforms without Unix datagram sockets every operation reports
// ErrNotSupported.
func NewHostNetworking(logger *slog.Logger) *HostNet {
	return host.New(logger)
}

// NewRegistry creates an empty process registry.
func NewRegistry() *Registry {
	return wasix.NewRegistry()
}

// NewSystem32 creates the syscall dispatcher for guests with 32-bit
// pointers.
func NewSystem32(registry *Registry, logger *slog.Logger) *System32 {
	return wasix.NewSystem[uint32](registry, logger)
}

// NewSystem64 creates the syscall dispatcher for guests with 64-bit
// pointers.
func NewSystem64(registry *Registry, logger *slog.Logger) *System64 {
	return wasix.NewSystem[uint64](registry, logger)
}

// NewSliceMemory creates a slice-backed guest memory of the given size.
func NewSliceMemory(size int) *SliceMemory {
	return guestmem.NewSliceMemory(size)
}
