package negotiate

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"go.viam.com/test"

	"github.com/petervdpas/rtlink/internal/media"
)

func exchange(t *testing.T, offerer, answerer Peer) {
	t.Helper()
	offer, err := offerer.CreateOffer()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, offerer.SetLocalDescription(offer), test.ShouldBeNil)
	test.That(t, answerer.SetRemoteDescription(offer), test.ShouldBeNil)
	answer, err := answerer.CreateAnswer()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, answerer.SetLocalDescription(answer), test.ShouldBeNil)
	test.That(t, offerer.SetRemoteDescription(answer), test.ShouldBeNil)

	test.That(t, offerer.SignalingState(), test.ShouldEqual, webrtc.SignalingStateStable)
	test.That(t, answerer.SignalingState(), test.ShouldEqual, webrtc.SignalingStateStable)
}

func TestPionScreenSlotKeepsMediaLines(t *testing.T) {
	ctx := context.Background()
	f, err := NewPionFactory(PionConfig{}, media.Null{})
	test.That(t, err, test.ShouldBeNil)

	caller, err := f.NewPeer()
	test.That(t, err, test.ShouldBeNil)
	defer caller.Close()
	callee, err := f.NewPeer()
	test.That(t, err, test.ShouldBeNil)
	defer callee.Close()

	mic, err := media.Null{}.Microphone(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, caller.AddTrack(mic), test.ShouldBeNil)
	slot, err := caller.ReserveScreenSlot()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, slot.Direction(), test.ShouldEqual, webrtc.RTPTransceiverDirectionRecvonly)

	exchange(t, caller, callee)

	// The callee adopts the video line the offer created.
	_, err = callee.ReserveScreenSlot()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, callee.(*pionPeer).pc.GetTransceivers(), test.ShouldHaveLength, 2)

	screen, err := media.Null{}.Screen(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, slot.SetTrack(screen), test.ShouldBeNil)
	test.That(t, slot.Direction(), test.ShouldEqual, webrtc.RTPTransceiverDirectionSendrecv)
	exchange(t, caller, callee)

	test.That(t, slot.SetTrack(nil), test.ShouldBeNil)
	test.That(t, slot.Direction(), test.ShouldEqual, webrtc.RTPTransceiverDirectionRecvonly)
	exchange(t, caller, callee)

	test.That(t, caller.(*pionPeer).pc.GetTransceivers(), test.ShouldHaveLength, 2)
	test.That(t, callee.(*pionPeer).pc.GetTransceivers(), test.ShouldHaveLength, 2)
}
