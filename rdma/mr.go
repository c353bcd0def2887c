package rdma

// #cgo LDFLAGS: -libverbs -lrdmacm
// #include <stdlib.h>
// #include <string.h>
// #include <infiniband/verbs.h>
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// memoryRegion is a C-heap buffer registered with the device for DMA. The
// buffer must live on the C heap: the hardware holds its address for the
// lifetime of the registration, which the Go runtime must not move or free.
type memoryRegion struct {
	mr   *C.struct_ibv_mr
	ptr  unsafe.Pointer
	size int
}

// registerRegion allocates and registers one buffer of the given capacity.
// All regions get local-write access; the passive side additionally grants
// remote-write, reserved for one-sided operations.
func registerRegion(pd *C.struct_ibv_pd, size int, remoteWrite bool) (*memoryRegion, error) {
	checkMemlockLimit(size)

	ptr := C.malloc(C.size_t(size))
	if ptr == nil {
		return nil, fmt.Errorf("allocate %d-byte transfer buffer", size)
	}
	C.memset(ptr, 0, C.size_t(size))

	access := C.int(C.IBV_ACCESS_LOCAL_WRITE)
	if remoteWrite {
		access |= C.int(C.IBV_ACCESS_REMOTE_WRITE)
	}

	mr, err := C.ibv_reg_mr(pd, ptr, C.size_t(size), access)
	if mr == nil {
		C.free(ptr)
		return nil, fmt.Errorf("register %d-byte memory region: %w", size, err)
	}

	return &memoryRegion{mr: mr, ptr: ptr, size: size}, nil
}

func (m *memoryRegion) bytes() []byte {
	return unsafe.Slice((*byte)(m.ptr), m.size)
}

func (m *memoryRegion) localKey() uint32 {
	return uint32(m.mr.lkey)
}

// deregister releases the registration and then the backing buffer, in that
// order. Safe to call once; the region is unusable afterwards.
func (m *memoryRegion) deregister() error {
	var err error
	if m.mr != nil {
		if errno := C.ibv_dereg_mr(m.mr); errno != 0 {
			err = verbsError("ibv_dereg_mr", errno)
		}
		m.mr = nil
	}
	if m.ptr != nil {
		C.free(m.ptr)
		m.ptr = nil
	}
	return err
}

// checkMemlockLimit warns when RLIMIT_MEMLOCK is too small for the buffer:
// registration pins the pages, and a low limit is the usual cause of an
// otherwise cryptic registration failure.
func checkMemlockLimit(size int) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &lim); err != nil {
		return
	}
	if lim.Cur != unix.RLIM_INFINITY && lim.Cur < uint64(size) {
		logrus.WithFields(logrus.Fields{
			"memlock_limit": lim.Cur,
			"buffer_size":   size,
		}).Warn("RLIMIT_MEMLOCK is below the transfer buffer size; memory registration may fail")
	}
}
