package concentrator

import (
	"testing"

	"github.com/nlighten/lora-gateway/internal/packet/gw"
)

func TestDispatchErrorKindStrings(t *testing.T) {
	cases := []struct {
		kind DispatchErrorKind
		want string
	}{
		{DispatchAckTooLate, "Ack(TooLate)"},
		{DispatchAckSendFail, "Ack(SendFail)"},
		{DispatchSendTimeout, "SendTimeout"},
	}
	for _, c := range cases {
		if got := c.kind.String(); got != c.want {
			t.Errorf("got %q, want %q", got, c.want)
		}
	}
}

func TestRuntimeSendMapsResults(t *testing.T) {
	cases := []struct {
		result gw.SendResult
		want   *DispatchErrorKind
	}{
		{gw.SendOK, nil},
		{gw.SendErrTooEarly, kindPtr(DispatchAckTooLate)},
		{gw.SendErrTooLate, kindPtr(DispatchAckTooLate)},
		{gw.SendErrPacketCollision, kindPtr(DispatchAckTooLate)},
		{gw.SendErrQueueFull, kindPtr(DispatchAckTooLate)},
		{gw.SendErrIO, kindPtr(DispatchAckSendFail)},
	}
	for _, c := range cases {
		err := mapSendResult(c.result)
		if c.want == nil {
			if err != nil {
				t.Errorf("result %s: expected nil, got %v", c.result, err)
			}
			continue
		}
		if err == nil || err.Kind != *c.want {
			t.Errorf("result %s: expected kind %v, got %v", c.result, *c.want, err)
		}
	}
}

func kindPtr(k DispatchErrorKind) *DispatchErrorKind { return &k }

func TestDownlinkDispatchPanicsWithoutTxPkt(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic dispatching with no TxPkt set")
		}
	}()
	d := &Downlink{}
	d.Dispatch(nil, 0)
}
