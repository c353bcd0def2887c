package rdma

import (
	"strings"
	"testing"
)

func TestExpectCMEventMatch(t *testing.T) {
	steps := []cmEvent{evAddrResolved, evRouteResolved, evConnectRequest, evEstablished}
	for _, ev := range steps {
		if err := expectCMEvent(ev, ev); err != nil {
			t.Errorf("expectCMEvent(%s, %s) failed: %v", ev, ev, err)
		}
	}
}

// TestExpectCMEventMismatch verifies that an event of the wrong type for the
// current state is rejected instead of advancing the state machine.
func TestExpectCMEventMismatch(t *testing.T) {
	cases := []struct {
		got, want cmEvent
	}{
		{evAddrError, evAddrResolved},
		{evRouteError, evRouteResolved},
		{evRejected, evEstablished},
		{evDisconnected, evEstablished},
		{evEstablished, evConnectRequest},
	}
	for _, tc := range cases {
		err := expectCMEvent(tc.got, tc.want)
		if err == nil {
			t.Errorf("expectCMEvent(%s, %s) accepted a mismatched event", tc.got, tc.want)
			continue
		}
		if !strings.Contains(err.Error(), tc.got.String()) || !strings.Contains(err.Error(), tc.want.String()) {
			t.Errorf("error %q does not name both event types", err)
		}
	}
}

func TestCMEventNames(t *testing.T) {
	if evEstablished.String() != "established" {
		t.Errorf("evEstablished.String() = %q", evEstablished.String())
	}
	if !strings.Contains(cmEvent(1000).String(), "unknown") {
		t.Errorf("out-of-range event stringified as %q", cmEvent(1000).String())
	}
}
