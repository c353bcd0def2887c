package rdma

// #cgo LDFLAGS: -libverbs -lrdmacm
// #include <infiniband/verbs.h>
// #include <rdma/rdma_cma.h>
import "C"

import (
	"fmt"

	"github.com/ibcp/ibcp/transfer"
)

// Conn satisfies transfer.Endpoint: every operation references the single
// registered buffer through its local key, and the caller observes each
// completion before the buffer is touched again.

// Buffer returns the registered transfer buffer at full capacity.
func (c *Conn) Buffer() []byte {
	return c.region.bytes()
}

// PostSend posts one send work request for the first length bytes of the
// buffer. Sends carry the caller's actual payload size, never the capacity.
func (c *Conn) PostSend(length int, id uint64) error {
	if length > c.region.size {
		return fmt.Errorf("send length %d exceeds buffer capacity %d", length, c.region.size)
	}
	c.sge.addr = C.uint64_t(uintptr(c.region.ptr))
	c.sge.length = C.uint32_t(length)
	c.sge.lkey = C.uint32_t(c.region.localKey())

	*c.sendWR = C.struct_ibv_send_wr{}
	c.sendWR.wr_id = C.uint64_t(id)
	c.sendWR.sg_list = c.sge
	c.sendWR.num_sge = 1
	c.sendWR.opcode = C.IBV_WR_SEND
	c.sendWR.send_flags = C.uint(C.IBV_SEND_SIGNALED)

	var bad *C.struct_ibv_send_wr
	if errno := C.ibv_post_send(c.id.qp, c.sendWR, &bad); errno != 0 {
		return verbsError("ibv_post_send", errno)
	}
	return nil
}

// PostRecv posts one receive work request for the full buffer capacity. The
// hardware writes up to that many bytes and reports the true count in the
// completion.
func (c *Conn) PostRecv(id uint64) error {
	c.sge.addr = C.uint64_t(uintptr(c.region.ptr))
	c.sge.length = C.uint32_t(c.region.size)
	c.sge.lkey = C.uint32_t(c.region.localKey())

	*c.recvWR = C.struct_ibv_recv_wr{}
	c.recvWR.wr_id = C.uint64_t(id)
	c.recvWR.sg_list = c.sge
	c.recvWR.num_sge = 1

	var bad *C.struct_ibv_recv_wr
	if errno := C.ibv_post_recv(c.id.qp, c.recvWR, &bad); errno != 0 {
		return verbsError("ibv_post_recv", errno)
	}
	return nil
}

// PollOne busy-waits on the completion queue until exactly one completion
// record is available. A non-success status is reported inside the
// completion, not as a polling error: the caller decides that it is fatal.
func (c *Conn) PollOne() (transfer.Completion, error) {
	var wc C.struct_ibv_wc
	for {
		n := C.ibv_poll_cq(c.cq, 1, &wc)
		if n < 0 {
			return transfer.Completion{}, fmt.Errorf("ibv_poll_cq returned %d", int(n))
		}
		if n > 0 {
			break
		}
	}

	comp := transfer.Completion{
		RequestID: uint64(wc.wr_id),
		ByteLen:   int(wc.byte_len),
	}
	if wc.status != C.IBV_WC_SUCCESS {
		comp.Err = fmt.Errorf("work completion status %s", C.GoString(C.ibv_wc_status_str(wc.status)))
	}
	return comp, nil
}
