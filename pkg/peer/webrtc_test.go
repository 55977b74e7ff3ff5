package peer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/tomaslejdung/roomcast/pkg/media"
)

func TestMapState(t *testing.T) {
	cases := []struct {
		in   webrtc.PeerConnectionState
		want State
	}{
		{webrtc.PeerConnectionStateNew, StateConnecting},
		{webrtc.PeerConnectionStateConnecting, StateConnecting},
		{webrtc.PeerConnectionStateConnected, StateConnected},
		{webrtc.PeerConnectionStateDisconnected, StateDisconnected},
		{webrtc.PeerConnectionStateFailed, StateFailed},
		{webrtc.PeerConnectionStateClosed, StateClosed},
	}
	for _, c := range cases {
		if got := mapState(c.in); got != c.want {
			t.Errorf("mapState(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateDisconnected, StateFailed, StateClosed} {
		if !s.Terminal() {
			t.Errorf("%v.Terminal() = false, want true", s)
		}
	}
	for _, s := range []State{StateConnecting, StateConnected} {
		if s.Terminal() {
			t.Errorf("%v.Terminal() = true, want false", s)
		}
	}
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	factory := WebRTCFactory{}
	streamer, err := factory.NewConnection(Config{})
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	defer streamer.Close()
	viewer, err := factory.NewConnection(Config{})
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	defer viewer.Close()

	device := media.NewCaptureDevice(
		media.NewSyntheticVideo(5*time.Millisecond),
		media.NewSyntheticAudio(5*time.Millisecond),
	)
	stream, err := device.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer stream.Release()
	if err := streamer.AttachLocalMedia(stream); err != nil {
		t.Fatalf("AttachLocalMedia: %v", err)
	}

	ctx := context.Background()
	offer, err := streamer.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Type != "offer" || !strings.Contains(offer.SDP, "m=") {
		t.Fatalf("offer = %q %.40q, want media sections", offer.Type, offer.SDP)
	}
	if err := streamer.SetLocalDescription(ctx, offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}

	if viewer.RemoteDescriptionSet() {
		t.Fatal("remote description set before SetRemoteDescription")
	}
	if err := viewer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	if !viewer.RemoteDescriptionSet() {
		t.Fatal("remote description not reported after SetRemoteDescription")
	}

	answer, err := viewer.CreateAnswer(ctx)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if answer.Type != "answer" {
		t.Errorf("answer type = %q, want answer", answer.Type)
	}
	if err := viewer.SetLocalDescription(ctx, answer); err != nil {
		t.Fatalf("SetLocalDescription(answer): %v", err)
	}
	if err := streamer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription(answer): %v", err)
	}
}

func TestAddRemoteCandidateRejectsBadPayload(t *testing.T) {
	conn, err := WebRTCFactory{}.NewConnection(Config{})
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	defer conn.Close()

	if err := conn.AddRemoteCandidate("not json"); err == nil {
		t.Error("AddRemoteCandidate accepted a malformed payload")
	}
}

func TestCloseIdempotent(t *testing.T) {
	conn, err := WebRTCFactory{}.NewConnection(Config{})
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
