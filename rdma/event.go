package rdma

import "fmt"

// cmEvent identifies a connection manager event type. The values mirror
// librdmacm's enum rdma_cm_event_type in <rdma/rdma_cma.h> so the cgo layer
// can convert by value.
type cmEvent uint32

const (
	evAddrResolved cmEvent = iota
	evAddrError
	evRouteResolved
	evRouteError
	evConnectRequest
	evConnectResponse
	evConnectError
	evUnreachable
	evRejected
	evEstablished
	evDisconnected
	evDeviceRemoval
	evMulticastJoin
	evMulticastError
	evAddrChange
	evTimewaitExit
)

var cmEventNames = map[cmEvent]string{
	evAddrResolved:    "address resolved",
	evAddrError:       "address error",
	evRouteResolved:   "route resolved",
	evRouteError:      "route error",
	evConnectRequest:  "connect request",
	evConnectResponse: "connect response",
	evConnectError:    "connect error",
	evUnreachable:     "unreachable",
	evRejected:        "rejected",
	evEstablished:     "established",
	evDisconnected:    "disconnected",
	evDeviceRemoval:   "device removal",
	evMulticastJoin:   "multicast join",
	evMulticastError:  "multicast error",
	evAddrChange:      "address change",
	evTimewaitExit:    "timewait exit",
}

func (e cmEvent) String() string {
	if name, ok := cmEventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("unknown event %d", uint32(e))
}

// expectCMEvent enforces the connection setup ordering: each step of the
// handshake must deliver exactly the event type the current state expects.
// Anything else aborts the setup rather than proceeding.
func expectCMEvent(got, want cmEvent) error {
	if got != want {
		return fmt.Errorf("unexpected connection manager event: got %q, want %q", got, want)
	}
	return nil
}
