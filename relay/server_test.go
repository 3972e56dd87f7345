package relay_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/VanDung-dev/eventnet/metrics"
	"github.com/VanDung-dev/eventnet/network"
	"github.com/VanDung-dev/eventnet/relay"
	"github.com/VanDung-dev/eventnet/transport"
	"github.com/VanDung-dev/eventnet/wire"
)

func rawEvent(seq uint64, scope network.Scope) network.RawEvent {
	return network.RawEvent{
		Metadata: network.NewMetadata(0, seq),
		Scope:    scope,
		TypeName: "test.ping",
		Payload:  []byte{byte(seq)},
	}
}

type harness struct {
	ctx     context.Context
	cancel  context.CancelFunc
	metrics *metrics.Metrics
	server  *relay.Server
	clients []*relay.Client
}

func startHarness(cfg relay.Config) *harness {
	h := &harness{metrics: metrics.NewMetrics("test", prometheus.NewRegistry())}
	h.ctx, h.cancel = context.WithCancel(context.Background())

	if len(cfg.Listen) == 0 {
		cfg.Listen = []string{"tcp://127.0.0.1:0"}
	}
	h.server = relay.NewServer(cfg, relay.WithMetrics(h.metrics))
	Expect(h.server.Start(h.ctx)).To(Succeed())
	return h
}

func (h *harness) addr() string {
	return h.server.Addrs()[0]
}

func (h *harness) newClient(id network.NodeID, cfg relay.ClientConfig) *relay.Client {
	c := relay.NewClient(id, cfg, relay.WithClientMetrics(h.metrics))
	h.clients = append(h.clients, c)
	return c
}

func (h *harness) connect(id network.NodeID) *relay.Client {
	c := h.newClient(id, relay.ClientConfig{})
	Expect(c.Connect(h.ctx, h.addr())).To(Succeed())
	Expect(c.State()).To(Equal(network.StateConnected))
	return c
}

func (h *harness) stop() {
	for _, c := range h.clients {
		_ = c.Disconnect()
	}
	Expect(h.server.Close()).To(Succeed())
	h.cancel()
}

var _ = Describe("Relay routing", func() {
	var (
		h          *harness
		n1, n2, n3 *relay.Client
	)

	BeforeEach(func() {
		h = startHarness(relay.Config{})
		n1 = h.connect(1)
		n2 = h.connect(2)
		n3 = h.connect(3)
		Eventually(h.server.PeerCount).Should(Equal(3))
	})

	AfterEach(func() {
		h.stop()
	})

	It("broadcasts to every other peer with the sender stamped", func() {
		Expect(n1.Send(rawEvent(1, network.Broadcast()))).To(Succeed())

		var ev network.RawEvent
		Eventually(n2.Receive()).Should(Receive(&ev))
		Expect(ev.Metadata.Sender).To(Equal(network.NodeID(1)))
		Expect(ev.TypeName).To(Equal("test.ping"))

		Eventually(n3.Receive()).Should(Receive(&ev))
		Expect(ev.Metadata.Sender).To(Equal(network.NodeID(1)))

		Consistently(n1.Receive(), 200*time.Millisecond).ShouldNot(Receive())
	})

	It("overrides a spoofed sender with the session identity", func() {
		ev := rawEvent(1, network.Broadcast())
		ev.Metadata.Sender = 99
		Expect(n1.Send(ev)).To(Succeed())

		var got network.RawEvent
		Eventually(n2.Receive()).Should(Receive(&got))
		Expect(got.Metadata.Sender).To(Equal(network.NodeID(1)))
	})

	It("delivers targeted events to the target only", func() {
		Expect(n1.Send(rawEvent(7, network.Targeted(3)))).To(Succeed())

		var ev network.RawEvent
		Eventually(n3.Receive()).Should(Receive(&ev))
		Expect(ev.Metadata.Sequence).To(Equal(uint64(7)))
		Expect(ev.Scope).To(Equal(network.Targeted(3)))

		Consistently(n2.Receive(), 200*time.Millisecond).ShouldNot(Receive())
	})

	It("reports an unknown target back to the sender", func() {
		Expect(n1.Send(rawEvent(5, network.Targeted(42)))).To(Succeed())

		var notice wire.Notice
		Eventually(n1.Notices()).Should(Receive(&notice))
		Expect(notice.Code).To(Equal(wire.NoticeTargetUnknown))
		Expect(notice.Target).To(Equal(network.NodeID(42)))
		Expect(notice.Sequence).To(Equal(uint64(5)))

		Consistently(n2.Receive(), 100*time.Millisecond).ShouldNot(Receive())
		Expect(testutil.ToFloat64(h.metrics.RelayDropped.WithLabelValues(metrics.ReasonTargetAbsent))).To(Equal(1.0))
	})

	It("keeps to-server events away from clients", func() {
		events, err := h.server.ServerEvents(h.ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(n2.Send(rawEvent(3, network.ToServer()))).To(Succeed())

		var ev network.RawEvent
		Eventually(events).Should(Receive(&ev))
		Expect(ev.Metadata.Sender).To(Equal(network.NodeID(2)))
		Expect(ev.Scope.Kind).To(Equal(network.ScopeToServer))

		Consistently(n1.Receive(), 200*time.Millisecond).ShouldNot(Receive())
		Consistently(n3.Receive(), 10*time.Millisecond).ShouldNot(Receive())
	})

	It("keeps delivering to remaining peers after one leaves", func() {
		Expect(n3.Disconnect()).To(Succeed())
		Eventually(h.server.PeerCount).Should(Equal(2))

		Expect(n1.Send(rawEvent(1, network.Broadcast()))).To(Succeed())

		var ev network.RawEvent
		Eventually(n2.Receive()).Should(Receive(&ev))
		Expect(ev.Metadata.Sender).To(Equal(network.NodeID(1)))
	})

	It("preserves per-sender order", func() {
		for seq := uint64(1); seq <= 200; seq++ {
			scope := network.Broadcast()
			if seq%3 == 0 {
				scope = network.Targeted(2)
			}
			Expect(n1.Send(rawEvent(seq, scope))).To(Succeed())
		}

		var last uint64
		for seq := uint64(1); seq <= 200; seq++ {
			var ev network.RawEvent
			Eventually(n2.Receive()).Should(Receive(&ev))
			Expect(ev.Metadata.Sequence).To(Equal(last + 1))
			last = ev.Metadata.Sequence
		}
	})

	It("lists registered peers", func() {
		peers := h.server.Peers()
		Expect(peers).To(HaveLen(3))
		ids := []network.NodeID{}
		for _, p := range peers {
			ids = append(ids, p.NodeID)
			Expect(p.State).To(Equal("registered"))
			Expect(p.Session).NotTo(BeEmpty())
		}
		Expect(ids).To(ConsistOf(network.NodeID(1), network.NodeID(2), network.NodeID(3)))
	})
})

var _ = Describe("Relay batching", func() {
	var h *harness

	BeforeEach(func() {
		h = startHarness(relay.Config{})
	})

	AfterEach(func() {
		h.stop()
	})

	It("splits queued events whose total exceeds one frame", func() {
		sender := h.connect(1)
		receiver := h.connect(2)
		Eventually(h.server.PeerCount).Should(Equal(2))

		const count = 200
		payload := make([]byte, 200<<10)
		for seq := uint64(1); seq <= count; seq++ {
			ev := rawEvent(seq, network.Broadcast())
			ev.Payload = payload
			Expect(sender.Send(ev)).To(Succeed())
		}

		for seq := uint64(1); seq <= count; seq++ {
			var ev network.RawEvent
			Eventually(receiver.Receive()).WithTimeout(10 * time.Second).Should(Receive(&ev))
			Expect(ev.Metadata.Sequence).To(Equal(seq))
			Expect(ev.Payload).To(HaveLen(len(payload)))
		}
		Expect(sender.State()).To(Equal(network.StateConnected))
		Expect(testutil.ToFloat64(h.metrics.NetDropped.WithLabelValues(metrics.ReasonSendFailed))).To(BeZero())
	})

	It("drops a single event larger than the frame limit and keeps the session", func() {
		sender := h.newClient(1, relay.ClientConfig{Transport: transport.Options{MaxFrameSize: 64 << 10}})
		Expect(sender.Connect(h.ctx, h.addr())).To(Succeed())
		receiver := h.connect(2)
		Eventually(h.server.PeerCount).Should(Equal(2))

		huge := rawEvent(1, network.Broadcast())
		huge.Payload = make([]byte, 128<<10)
		Expect(sender.Send(huge)).To(Succeed())
		Expect(sender.Send(rawEvent(2, network.Broadcast()))).To(Succeed())

		var ev network.RawEvent
		Eventually(receiver.Receive()).Should(Receive(&ev))
		Expect(ev.Metadata.Sequence).To(Equal(uint64(2)))
		Expect(sender.State()).To(Equal(network.StateConnected))
		Expect(testutil.ToFloat64(h.metrics.NetDropped.WithLabelValues(metrics.ReasonSendFailed))).To(Equal(1.0))
	})
})

var _ = Describe("Relay sessions", func() {
	var h *harness

	AfterEach(func() {
		h.stop()
	})

	It("replaces an existing session with the same NodeID", func() {
		h = startHarness(relay.Config{})
		sender := h.connect(1)
		old := h.connect(2)
		oldSession := old.Session()

		fresh := h.connect(2)
		Expect(fresh.Session()).NotTo(Equal(oldSession))

		Eventually(old.Done()).Should(BeClosed())
		Expect(old.State()).To(Equal(network.StateDisconnected))
		Expect(h.server.PeerCount()).To(Equal(2))

		Expect(sender.Send(rawEvent(1, network.Broadcast()))).To(Succeed())
		Eventually(fresh.Receive()).Should(Receive())
	})

	It("rejects the reserved zero NodeID", func() {
		h = startHarness(relay.Config{})
		c := h.newClient(0, relay.ClientConfig{})

		err := c.Connect(h.ctx, h.addr())
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, network.ErrHandshake)).To(BeTrue())

		var rej *relay.RejectError
		Expect(errors.As(err, &rej)).To(BeTrue())
		Expect(rej.Reason).To(Equal(wire.RejectInvalidNode))
		Expect(c.State()).To(Equal(network.StateDisconnected))
	})

	It("prunes sessions that stop sending", func() {
		h = startHarness(relay.Config{
			StaleTimeout:  50 * time.Millisecond,
			PruneInterval: time.Hour,
			Heartbeat:     time.Hour,
		})
		c := h.newClient(1, relay.ClientConfig{HeartbeatInterval: time.Hour})
		Expect(c.Connect(h.ctx, h.addr())).To(Succeed())

		time.Sleep(100 * time.Millisecond)
		Expect(h.server.PruneStale()).To(Equal(1))

		Eventually(c.Done()).Should(BeClosed())
		Eventually(h.server.PeerCount).Should(Equal(0))
		Expect(testutil.ToFloat64(h.metrics.RelayPruned)).To(Equal(1.0))
	})

	It("keeps heartbeating sessions alive", func() {
		h = startHarness(relay.Config{
			StaleTimeout:  300 * time.Millisecond,
			PruneInterval: time.Hour,
			Heartbeat:     50 * time.Millisecond,
		})
		c := h.connect(1)

		time.Sleep(500 * time.Millisecond)
		Expect(h.server.PruneStale()).To(Equal(0))
		Expect(c.State()).To(Equal(network.StateConnected))
	})

	It("fails Send once disconnected", func() {
		h = startHarness(relay.Config{})
		c := h.connect(1)
		Expect(c.Disconnect()).To(Succeed())
		Expect(c.State()).To(Equal(network.StateDisconnected))
		Expect(c.Send(rawEvent(1, network.Broadcast()))).To(MatchError(network.ErrDisconnected))
	})

	It("refuses a second Connect while connected", func() {
		h = startHarness(relay.Config{})
		c := h.connect(1)
		err := c.Connect(h.ctx, h.addr())
		Expect(errors.Is(err, network.ErrAlreadyRunning)).To(BeTrue())
	})
})

var _ = Describe("Relay authentication", func() {
	const secret = "0123456789abcdef0123456789abcdef"
	var (
		h    *harness
		auth *relay.Authenticator
	)

	BeforeEach(func() {
		h = startHarness(relay.Config{Auth: relay.AuthConfig{Secret: secret}})
		auth = relay.NewAuthenticator(relay.AuthConfig{Secret: secret})
	})

	AfterEach(func() {
		h.stop()
	})

	It("accepts a token issued for the node", func() {
		token, err := auth.Issue(5)
		Expect(err).NotTo(HaveOccurred())

		c := h.newClient(5, relay.ClientConfig{Token: token})
		Expect(c.Connect(h.ctx, h.addr())).To(Succeed())
	})

	It("rejects a missing token", func() {
		c := h.newClient(5, relay.ClientConfig{})
		err := c.Connect(h.ctx, h.addr())

		var rej *relay.RejectError
		Expect(errors.As(err, &rej)).To(BeTrue())
		Expect(rej.Reason).To(Equal(wire.RejectAuth))
	})

	It("rejects a token issued for another node", func() {
		token, err := auth.Issue(6)
		Expect(err).NotTo(HaveOccurred())

		c := h.newClient(5, relay.ClientConfig{Token: token})
		err = c.Connect(h.ctx, h.addr())

		var rej *relay.RejectError
		Expect(errors.As(err, &rej)).To(BeTrue())
		Expect(rej.Reason).To(Equal(wire.RejectAuth))
	})
})
