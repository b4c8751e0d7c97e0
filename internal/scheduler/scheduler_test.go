package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nlighten/lora-gateway/internal/concentrator"
	"github.com/nlighten/lora-gateway/internal/packet"
	"github.com/nlighten/lora-gateway/internal/packet/gw"
	"github.com/nlighten/lora-gateway/internal/throttle"
	"github.com/nlighten/lora-gateway/internal/units"
)

// fakeHandle is a scripted downlinkHandle standing in for a real card
// connection: Dispatch always returns the configured result and
// records whether it was ever called.
type fakeHandle struct {
	mu         sync.Mutex
	dispatch   *concentrator.DispatchError
	dispatched bool
}

func (h *fakeHandle) Fill(tx *gw.TxPkt) {}

func (h *fakeHandle) Dispatch(ctx context.Context, timeout time.Duration) *concentrator.DispatchError {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatched = true
	return h.dispatch
}

func (h *fakeHandle) wasDispatched() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dispatched
}

// testUplink carries both an rx1 window (implicit, via Tmst) and an
// rx2 window, so ToRx1PullResp/ToRx2PullResp both succeed.
func testUplink() *packet.PacketUp {
	rx2Tmst := uint32(5_000_000)
	return &packet.PacketUp{
		Tmst:     100,
		Datarate: packet.DataRate{SF: 7, BW: 125000},
		Freq:     units.FrequencyFromMHz(915.0),
		Rx2Window: &packet.Window{
			Timestamp: &rx2Tmst,
			Frequency: units.FrequencyFromMHz(923.3),
			Datarate:  packet.DataRate{SF: 7, BW: 125000},
		},
	}
}

func runAndWait(t *testing.T, s *Scheduler, rx1, rx2 *fakeHandle) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		s.run(context.Background(), rx1, rx2, []byte("ack"), testUplink())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler run did not return")
	}
}

func TestRunRetriesRx2WhenRx1TooLate(t *testing.T) {
	rx1 := &fakeHandle{dispatch: &concentrator.DispatchError{Kind: concentrator.DispatchAckTooLate}}
	rx2 := &fakeHandle{}

	th := throttle.New(throttle.Dwell{LimitMS: 400, Period: 20000})
	s := New(nil, th, 20, gw.CR4_5)

	runAndWait(t, s, rx1, rx2)

	if !rx1.wasDispatched() {
		t.Fatal("expected rx1 to be attempted")
	}
	if !rx2.wasDispatched() {
		t.Fatal("expected rx2 to be attempted after rx1 reported too late")
	}
}

func TestRunStopsAfterRx1Success(t *testing.T) {
	rx1 := &fakeHandle{}
	rx2 := &fakeHandle{}

	th := throttle.New(throttle.Dwell{LimitMS: 400, Period: 20000})
	s := New(nil, th, 20, gw.CR4_5)

	runAndWait(t, s, rx1, rx2)

	if !rx1.wasDispatched() {
		t.Fatal("expected rx1 to be attempted")
	}
	if rx2.wasDispatched() {
		t.Fatal("expected rx2 never to be attempted once rx1 succeeded")
	}
}

func TestRunSkipsBothWindowsWhenThrottleDenies(t *testing.T) {
	rx1 := &fakeHandle{}
	rx2 := &fakeHandle{}

	th := throttle.New(nil) // a nil model denies every send

	s := New(nil, th, 20, gw.CR4_5)

	runAndWait(t, s, rx1, rx2)

	if rx1.wasDispatched() {
		t.Fatal("expected rx1 to be skipped once the throttle denies it")
	}
	if rx2.wasDispatched() {
		t.Fatal("expected rx2 to also be denied by the same throttle")
	}
}

func TestRunGivesUpWhenRx2DispatchFails(t *testing.T) {
	rx1 := &fakeHandle{dispatch: &concentrator.DispatchError{Kind: concentrator.DispatchAckTooLate}}
	rx2 := &fakeHandle{dispatch: &concentrator.DispatchError{Kind: concentrator.DispatchAckSendFail}}

	th := throttle.New(throttle.Dwell{LimitMS: 400, Period: 20000})
	s := New(nil, th, 20, gw.CR4_5)

	runAndWait(t, s, rx1, rx2)

	if !rx1.wasDispatched() || !rx2.wasDispatched() {
		t.Fatal("expected both windows to be attempted")
	}
}
