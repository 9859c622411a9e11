package wasix

import "fmt"

// Errno is the result code a network syscall returns to the guest. The values
// and names follow the WASI errno set, extended at the tail with the sandbox
// runtime codes. Not every code is produced by this package; the full set is
// kept so the numbering stays a closed, guest-visible contract.
type Errno uint16

const (
	// ESUCCESS indicates that no error occurred (system call completed
	// successfully).
	ESUCCESS Errno = iota
	// E2BIG means an argument list is too long.
	E2BIG
	// EACCES means permission is denied.
	EACCES
	// EADDRINUSE means an address is already in use.
	EADDRINUSE
	// EADDRNOTAVAIL means an address is not available.
	EADDRNOTAVAIL
	// EAFNOSUPPORT means an address family is not supported.
	EAFNOSUPPORT
	// EAGAIN means a resource is unavailable, or the operation would block.
	EAGAIN
	// EALREADY means a connection is already in progress.
	EALREADY
	// EBADF means a file descriptor is invalid.
	EBADF
	// EBADMSG means a bad message was received.
	EBADMSG
	// EBUSY means a device or resource is busy.
	EBUSY
	// ECANCELED means an operation was canceled.
	ECANCELED
	// ECHILD means there are no child processes.
	ECHILD
	// ECONNABORTED means a connection was aborted.
	ECONNABORTED
	// ECONNREFUSED means a connection was refused.
	ECONNREFUSED
	// ECONNRESET means a connection was reset.
	ECONNRESET
	// EDEADLK means a resource deadlock would occur.
	EDEADLK
	// EDESTADDRREQ means a destination address is required.
	EDESTADDRREQ
	// EDOM means a mathematics argument is out of the domain of the
	// function.
	EDOM
	// EDQUOT is reserved.
	EDQUOT
	// EEXIST means a file exists.
	EEXIST
	// EFAULT means an address is bad.
	EFAULT
	// EFBIG means a file is too large.
	EFBIG
	// EHOSTUNREACH means a host is unreachable.
	EHOSTUNREACH
	// EIDRM means an identifier was removed.
	EIDRM
	// EILSEQ means an illegal byte sequence was encountered.
	EILSEQ
	// EINPROGRESS means an operation is in progress.
	EINPROGRESS
	// EINTR means a function was interrupted.
	EINTR
	// EINVAL means an argument is invalid.
	EINVAL
	// EIO means an I/O error occurred.
	EIO
	// EISCONN means a socket is already connected.
	EISCONN
	// EISDIR means an entry is a directory.
	EISDIR
	// ELOOP means there are too many levels of symbolic links.
	ELOOP
	// EMFILE means a file descriptor value is too large.
	EMFILE
	// EMLINK means there are too many links.
	EMLINK
	// EMSGSIZE means a message is too large.
	EMSGSIZE
	// EMULTIHOP is reserved.
	EMULTIHOP
	// ENAMETOOLONG means a filename is too long.
	ENAMETOOLONG
	// ENFILE means there are too many files open in the system.
	ENFILE
	// ENOBUFS means no buffer space is available.
	ENOBUFS
	// ENODEV means there is no such device.
	ENODEV
	// ENOENT means there is no such file or directory.
	ENOENT
	// ENOEXEC means an executable file format error occurred.
	ENOEXEC
	// ENOLCK means no locks are available.
	ENOLCK
	// ENOLINK is reserved.
	ENOLINK
	// ENOMEM means there is not enough space.
	ENOMEM
	// ENOMSG means there is no message of the desired type.
	ENOMSG
	// ENOPROTOOPT means a protocol option is not available.
	ENOPROTOOPT
	// ENOSPC means there is no space left on the device.
	ENOSPC
	// ENOSYS means a function is not supported.
	ENOSYS
	// ENOTCONN means a socket is not connected.
	ENOTCONN
	// ENOTDIR means an entry is not a directory, or a symbolic link to one.
	ENOTDIR
	// ENOTEMPTY means a directory is not empty.
	ENOTEMPTY
	// ENOTRECOVERABLE means a state is not recoverable.
	ENOTRECOVERABLE
	// ENOTSOCK means a descriptor is not a socket.
	ENOTSOCK
	// ENOTSUP means an operation is not supported.
	ENOTSUP
	// ENOTTY means an inappropriate I/O control operation was attempted.
	ENOTTY
	// ENXIO means there is no such device or address.
	ENXIO
	// EOVERFLOW means a value is too large to be stored in the data type.
	EOVERFLOW
	// EOWNERDEAD means a previous owner died.
	EOWNERDEAD
	// EPERM means an operation is not permitted.
	EPERM
	// EPIPE means a pipe is broken.
	EPIPE
	// EPROTO means a protocol error occurred.
	EPROTO
	// EPROTONOSUPPORT means a protocol is not supported.
	EPROTONOSUPPORT
	// EPROTOTYPE means a protocol is the wrong type for the socket.
	EPROTOTYPE
	// ERANGE means a result is too large.
	ERANGE
	// EROFS means the file system is read-only.
	EROFS
	// ESPIPE means a seek is invalid.
	ESPIPE
	// ESRCH means there is no such process.
	ESRCH
	// ESTALE is reserved.
	ESTALE
	// ETIMEDOUT means a connection timed out.
	ETIMEDOUT
	// ETXTBSY means a text file is busy.
	ETXTBSY
	// EXDEV means a cross-device link was attempted.
	EXDEV
	// ENOTCAPABLE means capabilities are insufficient.
	ENOTCAPABLE
	// ESHUTDOWN means a send was attempted after the socket shut down.
	ESHUTDOWN
	// EMEMVIOLATION means guest memory was accessed out of bounds.
	EMEMVIOLATION
	// EUNKNOWN means an unclassified error occurred.
	EUNKNOWN
)

var errnoStrings = [...]string{
	ESUCCESS:        "OK",
	E2BIG:           "Argument list too long",
	EACCES:          "Permission denied",
	EADDRINUSE:      "Address already in use",
	EADDRNOTAVAIL:   "Address not available",
	EAFNOSUPPORT:    "Address family not supported",
	EAGAIN:          "Resource temporarily unavailable",
	EALREADY:        "Connection already in progress",
	EBADF:           "Bad file descriptor",
	EBADMSG:         "Bad message",
	EBUSY:           "Device or resource busy",
	ECANCELED:       "Operation canceled",
	ECHILD:          "No child process",
	ECONNABORTED:    "Connection aborted",
	ECONNREFUSED:    "Connection refused",
	ECONNRESET:      "Connection reset by peer",
	EDEADLK:         "Resource deadlock would occur",
	EDESTADDRREQ:    "Destination address required",
	EDOM:            "Argument out of domain",
	EDQUOT:          "Quota exceeded",
	EEXIST:          "File exists",
	EFAULT:          "Bad address",
	EFBIG:           "File too large",
	EHOSTUNREACH:    "Host unreachable",
	EIDRM:           "Identifier removed",
	EILSEQ:          "Illegal byte sequence",
	EINPROGRESS:     "Operation in progress",
	EINTR:           "Interrupted function call",
	EINVAL:          "Invalid argument",
	EIO:             "Input/output error",
	EISCONN:         "Socket is connected",
	EISDIR:          "Is a directory",
	ELOOP:           "Too many levels of symbolic links",
	EMFILE:          "Too many open files",
	EMLINK:          "Too many links",
	EMSGSIZE:        "Message too long",
	EMULTIHOP:       "Multihop attempted",
	ENAMETOOLONG:    "Filename too long",
	ENFILE:          "Too many open files in system",
	ENOBUFS:         "No buffer space available",
	ENODEV:          "No such device",
	ENOENT:          "No such file or directory",
	ENOEXEC:         "Exec format error",
	ENOLCK:          "No locks available",
	ENOLINK:         "Link has been severed",
	ENOMEM:          "Out of memory",
	ENOMSG:          "No message of the desired type",
	ENOPROTOOPT:     "Protocol not available",
	ENOSPC:          "No space left on device",
	ENOSYS:          "Function not implemented",
	ENOTCONN:        "Socket not connected",
	ENOTDIR:         "Not a directory",
	ENOTEMPTY:       "Directory not empty",
	ENOTRECOVERABLE: "State not recoverable",
	ENOTSOCK:        "Not a socket",
	ENOTSUP:         "Operation not supported",
	ENOTTY:          "Inappropriate I/O control operation",
	ENXIO:           "No such device or address",
	EOVERFLOW:       "Value too large for data type",
	EOWNERDEAD:      "Previous owner died",
	EPERM:           "Operation not permitted",
	EPIPE:           "Broken pipe",
	EPROTO:          "Protocol error",
	EPROTONOSUPPORT: "Protocol not supported",
	EPROTOTYPE:      "Protocol wrong type for socket",
	ERANGE:          "Result too large",
	EROFS:           "Read-only file system",
	ESPIPE:          "Invalid seek",
	ESRCH:           "No such process",
	ESTALE:          "Stale file handle",
	ETIMEDOUT:       "Connection timed out",
	ETXTBSY:         "Text file busy",
	EXDEV:           "Cross-device link",
	ENOTCAPABLE:     "Capabilities insufficient",
	ESHUTDOWN:       "Cannot send after socket shutdown",
	EMEMVIOLATION:   "Memory access violation",
	EUNKNOWN:        "Unknown error",
}

var errnoNames = [...]string{
	ESUCCESS:        "ESUCCESS",
	E2BIG:           "E2BIG",
	EACCES:          "EACCES",
	EADDRINUSE:      "EADDRINUSE",
	EADDRNOTAVAIL:   "EADDRNOTAVAIL",
	EAFNOSUPPORT:    "EAFNOSUPPORT",
	EAGAIN:          "EAGAIN",
	EALREADY:        "EALREADY",
	EBADF:           "EBADF",
	EBADMSG:         "EBADMSG",
	EBUSY:           "EBUSY",
	ECANCELED:       "ECANCELED",
	ECHILD:          "ECHILD",
	ECONNABORTED:    "ECONNABORTED",
	ECONNREFUSED:    "ECONNREFUSED",
	ECONNRESET:      "ECONNRESET",
	EDEADLK:         "EDEADLK",
	EDESTADDRREQ:    "EDESTADDRREQ",
	EDOM:            "EDOM",
	EDQUOT:          "EDQUOT",
	EEXIST:          "EEXIST",
	EFAULT:          "EFAULT",
	EFBIG:           "EFBIG",
	EHOSTUNREACH:    "EHOSTUNREACH",
	EIDRM:           "EIDRM",
	EILSEQ:          "EILSEQ",
	EINPROGRESS:     "EINPROGRESS",
	EINTR:           "EINTR",
	EINVAL:          "EINVAL",
	EIO:             "EIO",
	EISCONN:         "EISCONN",
	EISDIR:          "EISDIR",
	ELOOP:           "ELOOP",
	EMFILE:          "EMFILE",
	EMLINK:          "EMLINK",
	EMSGSIZE:        "EMSGSIZE",
	EMULTIHOP:       "EMULTIHOP",
	ENAMETOOLONG:    "ENAMETOOLONG",
	ENFILE:          "ENFILE",
	ENOBUFS:         "ENOBUFS",
	ENODEV:          "ENODEV",
	ENOENT:          "ENOENT",
	ENOEXEC:         "ENOEXEC",
	ENOLCK:          "ENOLCK",
	ENOLINK:         "ENOLINK",
	ENOMEM:          "ENOMEM",
	ENOMSG:          "ENOMSG",
	ENOPROTOOPT:     "ENOPROTOOPT",
	ENOSPC:          "ENOSPC",
	ENOSYS:          "ENOSYS",
	ENOTCONN:        "ENOTCONN",
	ENOTDIR:         "ENOTDIR",
	ENOTEMPTY:       "ENOTEMPTY",
	ENOTRECOVERABLE: "ENOTRECOVERABLE",
	ENOTSOCK:        "ENOTSOCK",
	ENOTSUP:         "ENOTSUP",
	ENOTTY:          "ENOTTY",
	ENXIO:           "ENXIO",
	EOVERFLOW:       "EOVERFLOW",
	EOWNERDEAD:      "EOWNERDEAD",
	EPERM:           "EPERM",
	EPIPE:           "EPIPE",
	EPROTO:          "EPROTO",
	EPROTONOSUPPORT: "EPROTONOSUPPORT",
	EPROTOTYPE:      "EPROTOTYPE",
	ERANGE:          "ERANGE",
	EROFS:           "EROFS",
	ESPIPE:          "ESPIPE",
	ESRCH:           "ESRCH",
	ESTALE:          "ESTALE",
	ETIMEDOUT:       "ETIMEDOUT",
	ETXTBSY:         "ETXTBSY",
	EXDEV:           "EXDEV",
	ENOTCAPABLE:     "ENOTCAPABLE",
	ESHUTDOWN:       "ESHUTDOWN",
	EMEMVIOLATION:   "EMEMVIOLATION",
	EUNKNOWN:        "EUNKNOWN",
}

// Error returns a descriptive English string for the code, implementing the
// error interface so an Errno can travel through Go error plumbing.
func (e Errno) Error() string {
	if int(e) < len(errnoStrings) {
		return errnoStrings[e]
	}
	return fmt.Sprintf("errno(%d)", uint16(e))
}

// Name returns the standard symbolic name of the code.
func (e Errno) Name() string {
	if int(e) < len(errnoNames) {
		return errnoNames[e]
	}
	return fmt.Sprintf("errno(%d)", uint16(e))
}
