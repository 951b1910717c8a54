package protocol_test

import (
	"testing"
	"time"

	"github.com/pulsario/pulsar/pkg/protocol"
)

type recordingHandler struct {
	made     int
	received [][]byte
	lostErr  error
	lost     int
}

func (h *recordingHandler) ConnectionMade(c *protocol.Consumer)          { h.made++ }
func (h *recordingHandler) DataReceived(c *protocol.Consumer, p []byte)  { h.received = append(h.received, p) }
func (h *recordingHandler) ConnectionLost(c *protocol.Consumer, err error) {
	h.lost++
	h.lostErr = err
}

func TestConsumerLifecycleOrdering(t *testing.T) {
	h := &recordingHandler{}
	c := protocol.NewConsumer("peer-1", h, nil)

	var order []string
	c.Events().Bind(protocol.EventConnectionMade, func(data interface{}, err error) {
		order = append(order, "connection_made")
	})
	c.Events().Bind(protocol.EventPreRequest, func(data interface{}, err error) {
		order = append(order, "pre_request")
	})
	c.Events().Bind(protocol.EventDataProcessed, func(data interface{}, err error) {
		order = append(order, "data_processed")
	})
	c.Events().Bind(protocol.EventPostRequest, func(data interface{}, err error) {
		order = append(order, "post_request")
	})
	c.Events().Bind(protocol.EventConnectionLost, func(data interface{}, err error) {
		order = append(order, "connection_lost")
	})

	c.ConnectionMade()
	c.DataReceived([]byte("hello"))
	c.ConnectionLost(nil)

	want := []string{"connection_made", "pre_request", "data_processed", "post_request", "connection_lost"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %q, want %q (full: %v)", i, order[i], want[i], order)
		}
	}
	if h.made != 1 || len(h.received) != 1 || h.lost != 1 {
		t.Fatalf("handler call counts wrong: made=%d received=%d lost=%d", h.made, len(h.received), h.lost)
	}
}

func TestConsumerUpgradeSwapsHandler(t *testing.T) {
	h1 := &recordingHandler{}
	h2 := &recordingHandler{}
	c := protocol.NewConsumer("peer-1", h1, nil)
	c.ConnectionMade()

	c.Upgrade(h2)
	c.DataReceived([]byte("after-upgrade"))

	if len(h1.received) != 0 {
		t.Fatalf("expected original handler to receive nothing after upgrade, got %v", h1.received)
	}
	if len(h2.received) != 1 {
		t.Fatalf("expected upgraded handler to receive the payload, got %v", h2.received)
	}
}

func TestProducerAcceptAndRemoveTracksCount(t *testing.T) {
	p := protocol.NewProducer(func(peer string) protocol.Handler {
		return &recordingHandler{}
	}, nil)

	if _, err := p.Accept("peer-1"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if p.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", p.Count())
	}
	if _, err := p.Accept("peer-1"); err == nil {
		t.Fatal("expected duplicate Accept for the same peer to fail")
	}

	p.Remove("peer-1", nil)
	if p.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after Remove", p.Count())
	}
}

func TestTimeTrackerRefreshesOnPeriod(t *testing.T) {
	tr := protocol.NewTimeTracker(10 * time.Millisecond)
	defer tr.Stop()

	first := tr.CurrentTime()
	time.Sleep(50 * time.Millisecond)
	second := tr.CurrentTime()

	if !second.After(first) {
		t.Fatalf("expected CurrentTime to advance: first=%v second=%v", first, second)
	}
}
