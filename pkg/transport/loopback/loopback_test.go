package loopback_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bluekit/btprofile/pkg/profile"
	"github.com/bluekit/btprofile/pkg/transport"
	"github.com/bluekit/btprofile/pkg/transport/loopback"
)

const deviceID = "AA:BB:CC:DD:EE:FF"

var _ = Describe("Transport", func() {
	var trans *loopback.Transport

	BeforeEach(func() {
		trans = loopback.New()
		trans.SetConnectDelay(time.Millisecond)
	})

	Describe("Dial", func() {
		It("completes the attempt after the connect delay", func() {
			handle, err := trans.Dial(deviceID)
			Expect(err).NotTo(HaveOccurred())
			defer handle.Close()
			Eventually(handle.Events()).Should(Receive(Equal(transport.LinkConnected)))
		})

		It("fails synchronously when a fault is injected", func() {
			dialErr := errors.New("radio off")
			trans.FailNextDial(dialErr)
			_, err := trans.Dial(deviceID)
			Expect(err).To(MatchError(dialErr))

			// The fault is consumed; the next attempt succeeds.
			handle, err := trans.Dial(deviceID)
			Expect(err).NotTo(HaveOccurred())
			defer handle.Close()
			Eventually(handle.Events()).Should(Receive(Equal(transport.LinkConnected)))
		})

		It("never completes a held attempt", func() {
			trans.HoldNextDial()
			handle, err := trans.Dial(deviceID)
			Expect(err).NotTo(HaveOccurred())
			defer handle.Close()
			Consistently(handle.Events(), 20*time.Millisecond).ShouldNot(Receive())
		})
	})

	Describe("Disconnect", func() {
		It("reports link teardown on the event channel", func() {
			handle, err := trans.Dial(deviceID)
			Expect(err).NotTo(HaveOccurred())
			defer handle.Close()
			Eventually(handle.Events()).Should(Receive(Equal(transport.LinkConnected)))

			Expect(handle.Disconnect()).To(Succeed())
			Eventually(handle.Events()).Should(Receive(Equal(transport.LinkDisconnected)))
		})
	})

	Describe("DropLink", func() {
		It("simulates unsolicited link loss", func() {
			handle, err := trans.Dial(deviceID)
			Expect(err).NotTo(HaveOccurred())
			defer handle.Close()
			Eventually(handle.Events()).Should(Receive(Equal(transport.LinkConnected)))

			trans.DropLink(deviceID)
			Eventually(handle.Events()).Should(Receive(Equal(transport.LinkDisconnected)))
		})

		It("does nothing for an unknown device", func() {
			Expect(func() { trans.DropLink(deviceID) }).NotTo(Panic())
		})
	})

	Describe("Close", func() {
		It("is idempotent and stops further events", func() {
			handle, err := trans.Dial(deviceID)
			Expect(err).NotTo(HaveOccurred())
			handle.Close()
			handle.Close()
			trans.DropLink(deviceID)
			Eventually(handle.Events()).Should(BeClosed())
		})
	})

	Describe("PushInbound", func() {
		It("drops the session when no handler is registered", func() {
			Expect(func() { trans.PushInbound(deviceID, transport.LinkConnected) }).NotTo(Panic())
		})
	})

	Describe("with a connection registry", func() {
		var registry *profile.Registry

		BeforeEach(func() {
			registry = profile.NewRegistry(profile.Battery, trans, nil, nil)
			trans.SetInboundHandler(registry)
			DeferCleanup(registry.Shutdown)
		})

		It("drives a full connect and disconnect lifecycle", func() {
			Expect(registry.Connect(deviceID)).To(Succeed())
			Eventually(func() profile.State { return registry.State(deviceID) }).Should(Equal(profile.Connected))

			Expect(registry.Disconnect(deviceID)).To(Succeed())
			Eventually(func() profile.State { return registry.State(deviceID) }).Should(Equal(profile.Disconnected))
		})

		It("adopts a peer-initiated session", func() {
			trans.PushInbound(deviceID, transport.LinkConnecting)
			Eventually(func() profile.State { return registry.State(deviceID) }).Should(Equal(profile.Connected))
		})

		It("reports unsolicited link loss", func() {
			Expect(registry.Connect(deviceID)).To(Succeed())
			Eventually(func() profile.State { return registry.State(deviceID) }).Should(Equal(profile.Connected))

			trans.DropLink(deviceID)
			Eventually(func() profile.State { return registry.State(deviceID) }).Should(Equal(profile.Disconnected))
		})
	})
})
