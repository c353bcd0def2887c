// Package rdma drives one reliable-connected queue pair over an
// InfiniBand/RoCE fabric through librdmacm and libibverbs. It owns the
// connection-establishment handshake, the registered transfer buffer, and
// the post/poll completion engine; the wire protocol on top lives in the
// transfer package.
package rdma

// #cgo LDFLAGS: -libverbs -lrdmacm
// #include <stdlib.h>
// #include <arpa/inet.h>
// #include <netinet/in.h>
// #include <infiniband/verbs.h>
// #include <rdma/rdma_cma.h>
import "C"

import (
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/ibcp/ibcp/transfer"
)

const (
	// completionQueueDepth and maxWorkRequests size the hardware queues.
	// The protocol keeps at most one request in flight, so these are
	// generous.
	completionQueueDepth = 10
	maxWorkRequests      = 10
)

// Conn is one established reliable connection: the connection manager
// identity, its queue pair and completion queue, and the single registered
// buffer all operations go through. It is not safe for concurrent use; the
// protocol is strictly single-threaded per connection.
type Conn struct {
	id     *C.struct_rdma_cm_id
	ec     *C.struct_rdma_event_channel
	ownEC  bool // accepted connections share the listener's event channel
	pd     *C.struct_ibv_pd
	cq     *C.struct_ibv_cq
	region *memoryRegion

	// One C-allocated work request and scatter-gather entry, reused for
	// every post. Safe because at most one operation is outstanding.
	sendWR *C.struct_ibv_send_wr
	recvWR *C.struct_ibv_recv_wr
	sge    *C.struct_ibv_sge

	closed bool
}

// Dial connects to the responder at addr:port, driving the connection
// manager through address resolution, route resolution and the connect
// handshake. Each step blocks until the expected event arrives; anything
// else is fatal. The returned connection carries a registered buffer of the
// given capacity.
func Dial(addr string, port, capacity int, resolveTimeout time.Duration) (*Conn, error) {
	ec, err := C.rdma_create_event_channel()
	if ec == nil {
		return nil, fmt.Errorf("create event channel: %w", err)
	}

	var id *C.struct_rdma_cm_id
	if ret, err := C.rdma_create_id(ec, &id, nil, C.RDMA_PS_TCP); ret != 0 {
		C.rdma_destroy_event_channel(ec)
		return nil, cmError("rdma_create_id", err)
	}

	sin, err := sockaddrOf(addr, port)
	if err != nil {
		C.rdma_destroy_id(id)
		C.rdma_destroy_event_channel(ec)
		return nil, err
	}

	timeoutMS := C.int(resolveTimeout.Milliseconds())
	if ret, err := C.rdma_resolve_addr(id, nil, (*C.struct_sockaddr)(unsafe.Pointer(&sin)), timeoutMS); ret != 0 {
		C.rdma_destroy_id(id)
		C.rdma_destroy_event_channel(ec)
		return nil, cmError("rdma_resolve_addr", err)
	}
	if _, err := awaitEvent(ec, evAddrResolved); err != nil {
		C.rdma_destroy_id(id)
		C.rdma_destroy_event_channel(ec)
		return nil, fmt.Errorf("resolve address %s: %w", addr, err)
	}
	logrus.WithField("peer", addr).Debug("address resolved")

	if ret, err := C.rdma_resolve_route(id, timeoutMS); ret != 0 {
		C.rdma_destroy_id(id)
		C.rdma_destroy_event_channel(ec)
		return nil, cmError("rdma_resolve_route", err)
	}
	if _, err := awaitEvent(ec, evRouteResolved); err != nil {
		C.rdma_destroy_id(id)
		C.rdma_destroy_event_channel(ec)
		return nil, fmt.Errorf("resolve route to %s: %w", addr, err)
	}
	logrus.WithField("peer", addr).Debug("route resolved")

	conn, err := newConn(id, ec, true, capacity, false)
	if err != nil {
		C.rdma_destroy_id(id)
		C.rdma_destroy_event_channel(ec)
		return nil, err
	}

	if ret, err := C.rdma_connect(id, nil); ret != 0 {
		conn.releaseVerbs()
		C.rdma_destroy_id(id)
		C.rdma_destroy_event_channel(ec)
		return nil, cmError("rdma_connect", err)
	}
	if _, err := awaitEvent(ec, evEstablished); err != nil {
		conn.releaseVerbs()
		C.rdma_destroy_id(id)
		C.rdma_destroy_event_channel(ec)
		return nil, fmt.Errorf("connect to %s:%d: %w", addr, port, err)
	}

	logrus.WithFields(logrus.Fields{"peer": addr, "port": port}).Info("connection established")
	return conn, nil
}

// A Listener is a passive connection manager identity bound to a local
// port. It serves exactly one connection at a time.
type Listener struct {
	ec       *C.struct_rdma_event_channel
	id       *C.struct_rdma_cm_id
	port     int
	capacity int
}

// Listen binds a passive identity on every local fabric address at the
// given port.
func Listen(port, capacity int) (*Listener, error) {
	ec, err := C.rdma_create_event_channel()
	if ec == nil {
		return nil, fmt.Errorf("create event channel: %w", err)
	}

	var id *C.struct_rdma_cm_id
	if ret, err := C.rdma_create_id(ec, &id, nil, C.RDMA_PS_TCP); ret != 0 {
		C.rdma_destroy_event_channel(ec)
		return nil, cmError("rdma_create_id", err)
	}

	var sin C.struct_sockaddr_in
	sin.sin_family = C.AF_INET
	sin.sin_port = C.htons(C.uint16_t(port))
	sin.sin_addr.s_addr = C.htonl(C.INADDR_ANY)
	if ret, err := C.rdma_bind_addr(id, (*C.struct_sockaddr)(unsafe.Pointer(&sin))); ret != 0 {
		C.rdma_destroy_id(id)
		C.rdma_destroy_event_channel(ec)
		return nil, cmError("rdma_bind_addr", err)
	}

	if ret, err := C.rdma_listen(id, 1); ret != 0 {
		C.rdma_destroy_id(id)
		C.rdma_destroy_event_channel(ec)
		return nil, cmError("rdma_listen", err)
	}

	logrus.WithField("port", port).Info("listening for a connection")
	return &Listener{ec: ec, id: id, port: port, capacity: capacity}, nil
}

// Accept blocks for one incoming connect request, brings up the verbs
// resources on the fresh per-connection identity, pre-posts the receive
// that will catch the peer's header message, and accepts. The header
// receive must be posted before rdma_accept so the very first send from the
// peer has a buffer waiting.
func (l *Listener) Accept() (*Conn, error) {
	connID, err := awaitEvent(l.ec, evConnectRequest)
	if err != nil {
		return nil, fmt.Errorf("wait for connect request: %w", err)
	}

	conn, err := newConn(connID, l.ec, false, l.capacity, true)
	if err != nil {
		C.rdma_destroy_id(connID)
		return nil, err
	}

	if err := conn.PostRecv(transfer.IDHeader); err != nil {
		conn.releaseVerbs()
		C.rdma_destroy_id(connID)
		return nil, fmt.Errorf("pre-post header receive: %w", err)
	}

	if ret, err := C.rdma_accept(connID, nil); ret != 0 {
		conn.releaseVerbs()
		C.rdma_destroy_id(connID)
		return nil, cmError("rdma_accept", err)
	}
	if _, err := awaitEvent(l.ec, evEstablished); err != nil {
		conn.releaseVerbs()
		C.rdma_destroy_id(connID)
		return nil, fmt.Errorf("accept connection: %w", err)
	}

	logrus.Info("connection accepted")
	return conn, nil
}

// Close releases the listening identity and its event channel. Accepted
// connections must be closed first: they share the listener's channel.
func (l *Listener) Close() error {
	var errs *multierror.Error
	if l.id != nil {
		if ret, err := C.rdma_destroy_id(l.id); ret != 0 {
			errs = multierror.Append(errs, cmError("rdma_destroy_id", err))
		}
		l.id = nil
	}
	if l.ec != nil {
		C.rdma_destroy_event_channel(l.ec)
		l.ec = nil
	}
	return errs.ErrorOrNil()
}

// newConn allocates the verbs resources for an identity whose route is
// known: protection domain, completion queue, queue pair, the registered
// buffer, and the reusable work request scaffolding.
func newConn(id *C.struct_rdma_cm_id, ec *C.struct_rdma_event_channel, ownEC bool, capacity int, remoteWrite bool) (*Conn, error) {
	pd, err := C.ibv_alloc_pd(id.verbs)
	if pd == nil {
		return nil, fmt.Errorf("allocate protection domain: %w", err)
	}

	cq, err := C.ibv_create_cq(id.verbs, completionQueueDepth, nil, nil, 0)
	if cq == nil {
		C.ibv_dealloc_pd(pd)
		return nil, fmt.Errorf("create completion queue: %w", err)
	}

	var attr C.struct_ibv_qp_init_attr
	attr.send_cq = cq
	attr.recv_cq = cq
	attr.qp_type = C.IBV_QPT_RC
	attr.cap.max_send_wr = maxWorkRequests
	attr.cap.max_recv_wr = maxWorkRequests
	attr.cap.max_send_sge = 1
	attr.cap.max_recv_sge = 1
	if ret, err := C.rdma_create_qp(id, pd, &attr); ret != 0 {
		C.ibv_destroy_cq(cq)
		C.ibv_dealloc_pd(pd)
		return nil, cmError("rdma_create_qp", err)
	}

	region, err := registerRegion(pd, capacity, remoteWrite)
	if err != nil {
		C.rdma_destroy_qp(id)
		C.ibv_destroy_cq(cq)
		C.ibv_dealloc_pd(pd)
		return nil, err
	}

	// The work request structs are handed to the driver by pointer, so they
	// live on the C heap, out of reach of the Go garbage collector.
	conn := &Conn{
		id:     id,
		ec:     ec,
		ownEC:  ownEC,
		pd:     pd,
		cq:     cq,
		region: region,
		sendWR: (*C.struct_ibv_send_wr)(C.malloc(C.sizeof_struct_ibv_send_wr)),
		recvWR: (*C.struct_ibv_recv_wr)(C.malloc(C.sizeof_struct_ibv_recv_wr)),
		sge:    (*C.struct_ibv_sge)(C.malloc(C.sizeof_struct_ibv_sge)),
	}
	return conn, nil
}

// releaseVerbs tears down everything newConn built, in reverse dependency
// order, without touching the identity or event channel.
func (c *Conn) releaseVerbs() error {
	var errs *multierror.Error
	if c.region != nil {
		if err := c.region.deregister(); err != nil {
			errs = multierror.Append(errs, err)
		}
		c.region = nil
	}
	if c.id != nil && c.id.qp != nil {
		C.rdma_destroy_qp(c.id)
	}
	if c.cq != nil {
		if errno := C.ibv_destroy_cq(c.cq); errno != 0 {
			errs = multierror.Append(errs, verbsError("ibv_destroy_cq", errno))
		}
		c.cq = nil
	}
	if c.pd != nil {
		if errno := C.ibv_dealloc_pd(c.pd); errno != 0 {
			errs = multierror.Append(errs, verbsError("ibv_dealloc_pd", errno))
		}
		c.pd = nil
	}
	C.free(unsafe.Pointer(c.sendWR))
	C.free(unsafe.Pointer(c.recvWR))
	C.free(unsafe.Pointer(c.sge))
	c.sendWR, c.recvWR, c.sge = nil, nil, nil
	return errs.ErrorOrNil()
}

// Close disconnects and releases the connection: disconnect request, queue
// pair destruction before the memory region that its requests reference is
// deregistered, then the identity, then the event channel if this side owns
// it. Runs on every exit path, success or failure.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var errs *multierror.Error
	if ret, err := C.rdma_disconnect(c.id); ret != 0 {
		errs = multierror.Append(errs, cmError("rdma_disconnect", err))
	}
	C.rdma_destroy_qp(c.id)
	if c.region != nil {
		if err := c.region.deregister(); err != nil {
			errs = multierror.Append(errs, err)
		}
		c.region = nil
	}
	if c.cq != nil {
		if errno := C.ibv_destroy_cq(c.cq); errno != 0 {
			errs = multierror.Append(errs, verbsError("ibv_destroy_cq", errno))
		}
		c.cq = nil
	}
	if c.pd != nil {
		if errno := C.ibv_dealloc_pd(c.pd); errno != 0 {
			errs = multierror.Append(errs, verbsError("ibv_dealloc_pd", errno))
		}
		c.pd = nil
	}
	C.free(unsafe.Pointer(c.sendWR))
	C.free(unsafe.Pointer(c.recvWR))
	C.free(unsafe.Pointer(c.sge))
	c.sendWR, c.recvWR, c.sge = nil, nil, nil

	if ret, err := C.rdma_destroy_id(c.id); ret != 0 {
		errs = multierror.Append(errs, cmError("rdma_destroy_id", err))
	}
	c.id = nil
	if c.ownEC && c.ec != nil {
		C.rdma_destroy_event_channel(c.ec)
	}
	c.ec = nil
	return errs.ErrorOrNil()
}

// awaitEvent blocks until the connection manager delivers its next event,
// acknowledges it, and checks it against the expected type. The returned
// identity is meaningful only for connect-request events, where it names
// the fresh per-connection identity.
func awaitEvent(ec *C.struct_rdma_event_channel, want cmEvent) (*C.struct_rdma_cm_id, error) {
	var ev *C.struct_rdma_cm_event
	if ret, err := C.rdma_get_cm_event(ec, &ev); ret != 0 {
		return nil, fmt.Errorf("rdma_get_cm_event: %w", err)
	}
	got := cmEvent(ev.event)
	id := ev.id
	C.rdma_ack_cm_event(ev)
	if err := expectCMEvent(got, want); err != nil {
		return nil, err
	}
	return id, nil
}

// sockaddrOf resolves a host name or literal into an IPv4 socket address in
// network byte order.
func sockaddrOf(addr string, port int) (C.struct_sockaddr_in, error) {
	var sin C.struct_sockaddr_in
	ipAddrs, err := net.LookupHost(addr)
	if err != nil {
		return sin, fmt.Errorf("resolve hostname %s: %w", addr, err)
	}
	var ip net.IP
	for _, a := range ipAddrs {
		if ip = net.ParseIP(a).To4(); ip != nil {
			break
		}
	}
	if ip == nil {
		return sin, fmt.Errorf("no IPv4 address for host %s", addr)
	}
	sin.sin_family = C.AF_INET
	sin.sin_port = C.htons(C.uint16_t(port))
	sin.sin_addr.s_addr = C.htonl(C.uint32_t(
		uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])))
	return sin, nil
}

// cmError wraps a librdmacm failure: those calls return -1 and leave the
// cause in errno, which cgo surfaces as err.
func cmError(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s failed", op)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// verbsError wraps a libibverbs return code: the destroy and post entry
// points report the error number directly instead of through errno.
func verbsError(op string, errno C.int) error {
	if errno == 0 {
		return nil
	}
	if errno < 0 {
		return fmt.Errorf("%s failed", op)
	}
	return os.NewSyscallError(op, syscall.Errno(errno))
}
