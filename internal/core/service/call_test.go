package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/benbjohnson/clock"
)

func TestCallAnsweredAndHungUp(t *testing.T) {
	hub := startRelay(t)
	alice := joinRelay(t, hub, "alice", nil)
	bob := joinRelay(t, hub, "bob", nil)
	ctx := context.Background()

	id, err := alice.svc.StartCall(ctx, "bob", domain.KindVideo)
	if err != nil {
		t.Fatal(err)
	}
	alice.waitState(t, id, domain.StateRinging)
	if got := bob.waitIncoming(t); got != id {
		t.Fatalf("bob rings for %s, want %s", got, id)
	}
	if len(bob.media.all()) != 0 {
		t.Fatal("callee opened devices before accepting")
	}

	if err := bob.svc.Accept(ctx, id); err != nil {
		t.Fatal(err)
	}
	a := alice.waitState(t, id, domain.StateActive)
	b := bob.waitState(t, id, domain.StateActive)
	if a.Session.StartedAt.IsZero() || b.Session.StartedAt.IsZero() {
		t.Fatal("active session without start time")
	}
	eventually(t, "video both ways", func() bool {
		a, _ := alice.obs.last(id)
		b, _ := bob.obs.last(id)
		return a.Session.HasInbound(domain.TrackVideo) && b.Session.HasInbound(domain.TrackVideo)
	})

	if err := alice.svc.End(ctx, id); err != nil {
		t.Fatal(err)
	}
	if ev := alice.waitState(t, id, domain.StateEnded); ev.Session.Reason != domain.ReasonHangup {
		t.Fatalf("alice reason = %s", ev.Session.Reason)
	}
	if ev := bob.waitState(t, id, domain.StateEnded); ev.Session.Reason != domain.ReasonRemoteHangup {
		t.Fatalf("bob reason = %s", ev.Session.Reason)
	}
	for _, p := range []*peer{alice, bob} {
		for _, st := range p.media.all() {
			if !st.isClosed() {
				t.Fatalf("%s kept a capture stream open", p.id)
			}
		}
		if !p.transports.get(id).isClosed() {
			t.Fatalf("%s kept its transport open", p.id)
		}
	}
	eventually(t, "relay call table empty", func() bool { return len(hub.Calls()) == 0 })

	if err := alice.svc.End(ctx, id); !errors.Is(err, domain.ErrUnknownCall) {
		t.Fatalf("second End: err=%v", err)
	}
}

func TestCallRejected(t *testing.T) {
	hub := startRelay(t)
	alice := joinRelay(t, hub, "alice", nil)
	bob := joinRelay(t, hub, "bob", nil)
	ctx := context.Background()

	id, _ := alice.svc.StartCall(ctx, "bob", domain.KindAudio)
	bob.waitIncoming(t)
	if err := bob.svc.Reject(ctx, id); err != nil {
		t.Fatal(err)
	}
	if ev := alice.waitState(t, id, domain.StateEnded); ev.Session.Reason != domain.ReasonRemoteRejected {
		t.Fatalf("alice reason = %s", ev.Session.Reason)
	}
	if ev := bob.waitState(t, id, domain.StateEnded); ev.Session.Reason != domain.ReasonRejected {
		t.Fatalf("bob reason = %s", ev.Session.Reason)
	}
}

func TestCallerCancelsWhileRinging(t *testing.T) {
	hub := startRelay(t)
	alice := joinRelay(t, hub, "alice", nil)
	bob := joinRelay(t, hub, "bob", nil)
	ctx := context.Background()

	id, _ := alice.svc.StartCall(ctx, "bob", domain.KindAudio)
	bob.waitIncoming(t)
	if err := alice.svc.End(ctx, id); err != nil {
		t.Fatal(err)
	}
	if ev := bob.waitState(t, id, domain.StateEnded); ev.Session.Reason != domain.ReasonCancelled {
		t.Fatalf("bob reason = %s", ev.Session.Reason)
	}
}

func TestAcquisitionAfterEndIsReleased(t *testing.T) {
	hub := startRelay(t)
	alice := joinRelay(t, hub, "alice", nil)
	bob := joinRelay(t, hub, "bob", nil)
	ctx := context.Background()
	gate := make(chan struct{})
	bob.media.gate = gate

	id, _ := alice.svc.StartCall(ctx, "bob", domain.KindAudio)
	bob.waitIncoming(t)
	if err := bob.svc.Accept(ctx, id); err != nil {
		t.Fatal(err)
	}
	bob.waitState(t, id, domain.StateConnecting)
	if err := alice.svc.End(ctx, id); err != nil {
		t.Fatal(err)
	}
	bob.waitState(t, id, domain.StateEnded)

	close(gate)
	eventually(t, "late stream released", func() bool {
		streams := bob.media.all()
		return len(streams) == 1 && streams[0].isClosed()
	})
	barrier(t, bob)
	if ev, _ := bob.obs.last(id); ev.Session.State != domain.StateEnded {
		t.Fatalf("bob state = %s", ev.Session.State)
	}
	if bob.transports.get(id) != nil {
		t.Fatal("negotiation started for an ended call")
	}
}

func TestRingTimeout(t *testing.T) {
	hub := startRelay(t)
	mc := clock.NewMock()
	alice := joinRelay(t, hub, "alice", mc)
	bob := joinRelay(t, hub, "bob", mc)

	id, _ := alice.svc.StartCall(context.Background(), "bob", domain.KindAudio)
	bob.waitIncoming(t)

	mc.Add(29 * time.Second)
	barrier(t, alice)
	if ev, _ := alice.obs.last(id); ev.Session.State != domain.StateRinging {
		t.Fatalf("alice state before timeout = %s", ev.Session.State)
	}

	mc.Add(time.Second)
	if ev := alice.waitState(t, id, domain.StateEnded); ev.Session.Reason != domain.ReasonTimeout {
		t.Fatalf("alice reason = %s", ev.Session.Reason)
	}
	if ev := bob.waitState(t, id, domain.StateEnded); ev.Session.Reason != domain.ReasonTimeout {
		t.Fatalf("bob reason = %s", ev.Session.Reason)
	}
	if alice.transports.get(id) != nil || bob.transports.get(id) != nil {
		t.Fatal("negotiation started for an unanswered call")
	}
}

func TestCalleeWithoutCamera(t *testing.T) {
	hub := startRelay(t)
	alice := joinRelay(t, hub, "alice", nil)
	bob := joinRelay(t, hub, "bob", nil)
	bob.media.noCamera = true
	ctx := context.Background()

	id, _ := alice.svc.StartCall(ctx, "bob", domain.KindVideo)
	bob.waitIncoming(t)
	if err := bob.svc.Accept(ctx, id); err != nil {
		t.Fatal(err)
	}

	b := bob.waitState(t, id, domain.StateActive)
	if b.Session.CameraAvailable || !b.VideoFailed {
		t.Fatalf("bob event = %+v", b)
	}
	a := alice.waitState(t, id, domain.StateActive)
	barrier(t, alice)
	a, _ = alice.obs.last(id)
	if a.Session.Kind != domain.KindVideo {
		t.Fatalf("alice kind = %s", a.Session.Kind)
	}
	if !a.Session.HasInbound(domain.TrackAudio) || a.Session.HasInbound(domain.TrackVideo) {
		t.Fatalf("alice inbound = %v", a.Session.InboundTracks)
	}
}

func TestCallerWithoutCameraOffersNoVideo(t *testing.T) {
	hub := startRelay(t)
	alice := joinRelay(t, hub, "alice", nil)
	bob := joinRelay(t, hub, "bob", nil)
	alice.probe.caps.HasCamera = false
	ctx := context.Background()

	id, _ := alice.svc.StartCall(ctx, "bob", domain.KindVideo)
	ev := alice.waitState(t, id, domain.StateRinging)
	if ev.Session.CameraAvailable || !ev.VideoFailed {
		t.Fatalf("alice event = %+v", ev)
	}
	bob.waitIncoming(t)
	_ = bob.svc.Accept(ctx, id)
	alice.waitState(t, id, domain.StateActive)

	link := alice.transports.get(id)
	link.mu.Lock()
	first := link.offers[0]
	link.mu.Unlock()
	if first.Video {
		t.Fatal("offer carries outgoing video without a camera")
	}
	if !first.ReceiveVideo {
		t.Fatal("video call should still receive video")
	}
}

func TestCallUnreachable(t *testing.T) {
	hub := startRelay(t)
	alice := joinRelay(t, hub, "alice", nil)

	id, _ := alice.svc.StartCall(context.Background(), "dave", domain.KindAudio)
	if ev := alice.waitState(t, id, domain.StateEnded); ev.Session.Reason != domain.ReasonUnreachable {
		t.Fatalf("reason = %s", ev.Session.Reason)
	}
}

func TestBusyCalleeRejectsSecondCall(t *testing.T) {
	hub := startRelay(t)
	alice := joinRelay(t, hub, "alice", nil)
	bob := joinRelay(t, hub, "bob", nil)
	carol := joinRelay(t, hub, "carol", nil)
	ctx := context.Background()

	first, _ := alice.svc.StartCall(ctx, "bob", domain.KindAudio)
	bob.waitIncoming(t)

	second, _ := carol.svc.StartCall(ctx, "bob", domain.KindAudio)
	if ev := carol.waitState(t, second, domain.StateEnded); ev.Session.Reason != domain.ReasonBusy {
		t.Fatalf("carol reason = %s", ev.Session.Reason)
	}
	barrier(t, bob)
	if ev, _ := bob.obs.last(first); ev.Session.State != domain.StateRinging {
		t.Fatalf("first call disturbed: %s", ev.Session.State)
	}
	if _, seen := bob.obs.last(second); seen {
		t.Fatal("busy callee surfaced the second call")
	}
}

func TestStartCallWhileBusy(t *testing.T) {
	alice := newPeer(t, "alice", &recordingGateway{}, nil)
	ctx := context.Background()

	if _, err := alice.svc.StartCall(ctx, "bob", domain.KindAudio); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.svc.StartCall(ctx, "carol", domain.KindAudio); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("err=%v, want ErrBusy", err)
	}
}

func TestStartCallValidation(t *testing.T) {
	alice := newPeer(t, "alice", &recordingGateway{}, nil)
	ctx := context.Background()

	if _, err := alice.svc.StartCall(ctx, "alice", domain.KindAudio); !errors.Is(err, domain.ErrInvalidParticipant) {
		t.Fatalf("self call: err=%v", err)
	}
	if _, err := alice.svc.StartCall(ctx, "bob", "hologram"); !errors.Is(err, domain.ErrInvalidMessage) {
		t.Fatalf("bad kind: err=%v", err)
	}
	if err := alice.svc.Accept(ctx, "call_missing"); !errors.Is(err, domain.ErrUnknownCall) {
		t.Fatalf("accept unknown: err=%v", err)
	}
}

func TestNoMicrophone(t *testing.T) {
	gw := &recordingGateway{}
	alice := newPeer(t, "alice", gw, nil)
	alice.probe.caps.HasMicrophone = false

	id, err := alice.svc.StartCall(context.Background(), "bob", domain.KindAudio)
	if err != nil {
		t.Fatal(err)
	}
	if ev := alice.waitState(t, id, domain.StateEnded); ev.Session.Reason != domain.ReasonNoMicrophone {
		t.Fatalf("reason = %s", ev.Session.Reason)
	}
	if ev, ok := alice.obs.find(func(ev domain.CallEvent) bool { return ev.Session.State == domain.StateRinging }); ok {
		t.Fatalf("call rang without a microphone: %+v", ev)
	}
	if len(gw.types()) != 0 {
		t.Fatalf("sent %v", gw.types())
	}
}

func TestCapturePermissionDenied(t *testing.T) {
	gw := &recordingGateway{}
	alice := newPeer(t, "alice", gw, nil)
	alice.media.err = errors.Join(domain.ErrPermissionDenied, errors.New("EACCES"))

	id, _ := alice.svc.StartCall(context.Background(), "bob", domain.KindAudio)
	if ev := alice.waitState(t, id, domain.StateEnded); ev.Session.Reason != domain.ReasonPermissionDenied {
		t.Fatalf("reason = %s", ev.Session.Reason)
	}
}

func TestVideoCallWithoutCamera(t *testing.T) {
	gw := &recordingGateway{}
	alice := newPeer(t, "alice", gw, nil)
	alice.media.noCamera = true

	id, _ := alice.svc.StartCall(context.Background(), "bob", domain.KindVideo)
	ev := alice.waitState(t, id, domain.StateRinging)
	if !ev.VideoFailed || ev.Session.CameraAvailable {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Session.Kind != domain.KindVideo {
		t.Fatal("call kind changed")
	}
	if _, err := alice.svc.ToggleVideo(context.Background(), id); !errors.Is(err, domain.ErrNoCamera) {
		t.Fatalf("toggle video: err=%v", err)
	}
}

func TestRelayLostEndsPendingCall(t *testing.T) {
	gw := &recordingGateway{}
	alice := newPeer(t, "alice", gw, nil)

	id, _ := alice.svc.StartCall(context.Background(), "bob", domain.KindAudio)
	alice.waitState(t, id, domain.StateRinging)
	alice.svc.RelayLost()
	if ev := alice.waitState(t, id, domain.StateEnded); ev.Session.Reason != domain.ReasonUnreachable {
		t.Fatalf("reason = %s", ev.Session.Reason)
	}
}

func TestGatewayDownAtCallStart(t *testing.T) {
	gw := &recordingGateway{err: domain.ErrUnreachable}
	alice := newPeer(t, "alice", gw, nil)

	id, _ := alice.svc.StartCall(context.Background(), "bob", domain.KindAudio)
	if ev := alice.waitState(t, id, domain.StateEnded); ev.Session.Reason != domain.ReasonUnreachable {
		t.Fatalf("reason = %s", ev.Session.Reason)
	}
	for _, st := range alice.media.all() {
		if !st.isClosed() {
			t.Fatal("stream leaked")
		}
	}
}

func TestStaleMessagesIgnored(t *testing.T) {
	gw := &recordingGateway{}
	bob := newPeer(t, "bob", gw, nil)

	req, _ := domain.NewEnvelope("alice", "bob", "call_1", domain.CallRequest{CallerID: "alice", CalleeID: "bob", CallType: domain.KindAudio})
	bob.svc.HandleEnvelope(req)
	bob.waitState(t, "call_1", domain.StateRinging)

	end, _ := domain.NewEnvelope("alice", "bob", "call_1", domain.CallEnd{Reason: domain.ReasonCancelled})
	bob.svc.HandleEnvelope(end)
	bob.waitState(t, "call_1", domain.StateEnded)

	// a late duplicate of the request must not ring again
	bob.svc.HandleEnvelope(req)
	barrier(t, bob)
	if ev, _ := bob.obs.last("call_1"); ev.Session.State != domain.StateEnded {
		t.Fatalf("ended call revived: %s", ev.Session.State)
	}

	// messages from someone other than the counterpart are dropped
	req2, _ := domain.NewEnvelope("alice", "bob", "call_2", domain.CallRequest{CallerID: "alice", CalleeID: "bob", CallType: domain.KindAudio})
	bob.svc.HandleEnvelope(req2)
	bob.waitState(t, "call_2", domain.StateRinging)
	forged, _ := domain.NewEnvelope("mallory", "bob", "call_2", domain.CallEnd{})
	bob.svc.HandleEnvelope(forged)
	barrier(t, bob)
	if ev, _ := bob.obs.last("call_2"); ev.Session.State != domain.StateRinging {
		t.Fatalf("forged end applied: %s", ev.Session.State)
	}
}

func TestGracePeriod(t *testing.T) {
	hub := startRelay(t)
	mc := clock.NewMock()
	alice := joinRelay(t, hub, "alice", mc)
	bob := joinRelay(t, hub, "bob", mc)
	ctx := context.Background()

	id, _ := alice.svc.StartCall(ctx, "bob", domain.KindAudio)
	bob.waitIncoming(t)
	_ = bob.svc.Accept(ctx, id)
	alice.waitState(t, id, domain.StateActive)
	bob.waitState(t, id, domain.StateActive)

	link := alice.transports.get(id)

	// a blip shorter than the grace period is forgiven
	link.link(domain.LinkDisconnected)
	barrier(t, alice)
	mc.Add(time.Second)
	link.link(domain.LinkConnected)
	barrier(t, alice)
	mc.Add(5 * time.Second)
	barrier(t, alice)
	if ev, _ := alice.obs.last(id); ev.Session.State != domain.StateActive {
		t.Fatalf("call ended after recovery: %s", ev.Session.Reason)
	}

	link.link(domain.LinkFailed)
	barrier(t, alice)
	mc.Add(2 * time.Second)
	if ev := alice.waitState(t, id, domain.StateEnded); ev.Session.Reason != domain.ReasonTransportFailure {
		t.Fatalf("alice reason = %s", ev.Session.Reason)
	}
	if ev := bob.waitState(t, id, domain.StateEnded); ev.Session.Reason != domain.ReasonTransportFailure {
		t.Fatalf("bob reason = %s", ev.Session.Reason)
	}
}

func TestToggles(t *testing.T) {
	hub := startRelay(t)
	alice := joinRelay(t, hub, "alice", nil)
	bob := joinRelay(t, hub, "bob", nil)
	ctx := context.Background()

	id, _ := alice.svc.StartCall(ctx, "bob", domain.KindVideo)
	bob.waitIncoming(t)
	_ = bob.svc.Accept(ctx, id)
	alice.waitState(t, id, domain.StateActive)
	link := alice.transports.get(id)

	muted, err := alice.svc.ToggleMute(ctx, id)
	if err != nil || !muted {
		t.Fatalf("mute = %v, %v", muted, err)
	}
	if on, _ := link.isSending(domain.TrackAudio); on {
		t.Fatal("audio still sent while muted")
	}
	muted, _ = alice.svc.ToggleMute(ctx, id)
	if on, _ := link.isSending(domain.TrackAudio); muted || !on {
		t.Fatal("unmute did not resume audio")
	}

	suspended, err := alice.svc.ToggleVideo(ctx, id)
	if err != nil || !suspended {
		t.Fatalf("video = %v, %v", suspended, err)
	}
	if on, _ := link.isSending(domain.TrackVideo); on {
		t.Fatal("video still sent while suspended")
	}
	snap, _ := alice.svc.Session(ctx, id)
	if !snap.VideoSuspended || snap.Muted {
		t.Fatalf("session = %+v", snap)
	}
	if link.offerCount() != 1 {
		t.Fatalf("toggles renegotiated: %d offers", link.offerCount())
	}
}

func TestScreenShareRenegotiates(t *testing.T) {
	hub := startRelay(t)
	alice := joinRelay(t, hub, "alice", nil)
	bob := joinRelay(t, hub, "bob", nil)
	ctx := context.Background()

	id, _ := alice.svc.StartCall(ctx, "bob", domain.KindAudio)
	bob.waitIncoming(t)
	_ = bob.svc.Accept(ctx, id)
	alice.waitState(t, id, domain.StateActive)
	bob.waitState(t, id, domain.StateActive)
	link := alice.transports.get(id)

	if err := alice.svc.ToggleScreenShare(ctx, id); err != nil {
		t.Fatal(err)
	}
	eventually(t, "screen share on", func() bool {
		ev, _ := alice.obs.last(id)
		return ev.Session.ScreenSharing
	})
	eventually(t, "bob receiving the screen", func() bool {
		ev, _ := bob.obs.last(id)
		return ev.Session.HasInbound(domain.TrackVideo)
	})
	if link.offerCount() != 2 {
		t.Fatalf("offers = %d, want a renegotiation", link.offerCount())
	}

	if err := alice.svc.ToggleScreenShare(ctx, id); err != nil {
		t.Fatal(err)
	}
	snap, _ := alice.svc.Session(ctx, id)
	if snap.ScreenSharing {
		t.Fatal("screen share still on")
	}
	if snap.State != domain.StateActive {
		t.Fatalf("state = %s", snap.State)
	}
	var screen *fakeStream
	for _, st := range alice.media.all() {
		if !st.audio {
			screen = st
		}
	}
	if screen == nil || !screen.isClosed() {
		t.Fatal("screen capture not released")
	}
}

// activeCall connects alice and bob in a call of kind and returns its id.
func activeCall(t *testing.T, alice, bob *peer, kind domain.CallKind) domain.CallID {
	t.Helper()
	ctx := context.Background()
	id, err := alice.svc.StartCall(ctx, bob.id, kind)
	if err != nil {
		t.Fatal(err)
	}
	bob.waitIncoming(t)
	if err := bob.svc.Accept(ctx, id); err != nil {
		t.Fatal(err)
	}
	alice.waitState(t, id, domain.StateActive)
	bob.waitState(t, id, domain.StateActive)
	return id
}

func TestScreenShareReplacesCameraInPlace(t *testing.T) {
	hub := startRelay(t)
	alice := joinRelay(t, hub, "alice", nil)
	bob := joinRelay(t, hub, "bob", nil)
	ctx := context.Background()

	id := activeCall(t, alice, bob, domain.KindVideo)
	link := alice.transports.get(id)
	offers := link.offerCount()

	if err := alice.svc.ToggleScreenShare(ctx, id); err != nil {
		t.Fatal(err)
	}
	eventually(t, "screen share on", func() bool {
		ev, _ := alice.obs.last(id)
		return ev.Session.ScreenSharing
	})
	if link.replacedCount() != 1 || link.offerCount() != offers {
		t.Fatalf("replaced=%d offers=%d, want an in-place swap", link.replacedCount(), link.offerCount())
	}

	if err := alice.svc.ToggleScreenShare(ctx, id); err != nil {
		t.Fatal(err)
	}
	snap, err := alice.svc.Session(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if snap.ScreenSharing || snap.State != domain.StateActive || snap.CallID != id || !snap.CameraAvailable {
		t.Fatalf("session after revert = %+v", snap)
	}
	if link.replacedCount() != 2 || link.offerCount() != offers {
		t.Fatalf("replaced=%d offers=%d after revert", link.replacedCount(), link.offerCount())
	}
	for _, st := range alice.media.all() {
		if st.audio == st.isClosed() {
			t.Fatalf("stream audio=%v closed=%v", st.audio, st.isClosed())
		}
	}
	if ev, _ := bob.obs.last(id); ev.Session.State != domain.StateActive {
		t.Fatalf("bob state = %s", ev.Session.State)
	}
}

func TestScreenShareWhileCameraSuspended(t *testing.T) {
	hub := startRelay(t)
	alice := joinRelay(t, hub, "alice", nil)
	bob := joinRelay(t, hub, "bob", nil)
	ctx := context.Background()

	id := activeCall(t, alice, bob, domain.KindVideo)
	link := alice.transports.get(id)

	if suspended, err := alice.svc.ToggleVideo(ctx, id); err != nil || !suspended {
		t.Fatalf("video = %v, %v", suspended, err)
	}
	if err := alice.svc.ToggleScreenShare(ctx, id); err != nil {
		t.Fatal(err)
	}
	eventually(t, "screen share on", func() bool {
		ev, _ := alice.obs.last(id)
		return ev.Session.ScreenSharing
	})
	if on, _ := link.isSending(domain.TrackVideo); !on {
		t.Fatal("screen not sent while the camera is suspended")
	}
	snap, _ := alice.svc.Session(ctx, id)
	if !snap.VideoSuspended {
		t.Fatal("sharing the screen cleared the camera suspension")
	}

	// the camera toggle only affects the camera
	if suspended, _ := alice.svc.ToggleVideo(ctx, id); suspended {
		t.Fatal("camera still suspended")
	}
	if suspended, _ := alice.svc.ToggleVideo(ctx, id); !suspended {
		t.Fatal("camera not suspended again")
	}
	if on, _ := link.isSending(domain.TrackVideo); !on {
		t.Fatal("suspending the camera stopped the screen")
	}

	if err := alice.svc.ToggleScreenShare(ctx, id); err != nil {
		t.Fatal(err)
	}
	if on, _ := link.isSending(domain.TrackVideo); on {
		t.Fatal("camera sent after the share ended while suspended")
	}
}

func TestScreenShareGlare(t *testing.T) {
	hub := startRelay(t)
	mc := clock.NewMock()
	alice := joinRelay(t, hub, "alice", mc)
	bob := joinRelay(t, hub, "bob", mc)
	ctx := context.Background()

	id := activeCall(t, alice, bob, domain.KindAudio)
	aliceLink, bobLink := alice.transports.get(id), bob.transports.get(id)
	barrier(t, alice)
	barrier(t, bob)

	// both offers are in flight before either side sees the other's
	alice.client.pause()
	bob.client.pause()
	if err := alice.svc.ToggleScreenShare(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := bob.svc.ToggleScreenShare(ctx, id); err != nil {
		t.Fatal(err)
	}
	eventually(t, "both sides offering", func() bool {
		return aliceLink.offerCount() == 2 && bobLink.offerCount() == 1
	})
	alice.client.resume()
	bob.client.resume()

	eventually(t, "screens exchanged", func() bool {
		a, _ := alice.obs.last(id)
		b, _ := bob.obs.last(id)
		return a.Session.HasInbound(domain.TrackVideo) && b.Session.HasInbound(domain.TrackVideo)
	})
	// bob gave way and offered again once alice's round settled
	eventually(t, "bob offering again", func() bool { return bobLink.offerCount() == 2 })
	if bobLink.rollbackCount() != 1 || aliceLink.rollbackCount() != 0 {
		t.Fatalf("rollbacks alice=%d bob=%d", aliceLink.rollbackCount(), bobLink.rollbackCount())
	}

	mc.Add(5 * time.Second)
	barrier(t, alice)
	barrier(t, bob)
	for _, p := range []*peer{alice, bob} {
		ev, _ := p.obs.last(id)
		if ev.Session.State != domain.StateActive || !ev.Session.ScreenSharing {
			t.Fatalf("%s: state=%s sharing=%v", p.id, ev.Session.State, ev.Session.ScreenSharing)
		}
	}
}

func TestCandidatesBeforeOfferAreQueued(t *testing.T) {
	hub := startRelay(t)
	alice := joinRelay(t, hub, "alice", nil)
	bob := joinRelay(t, hub, "bob", nil)
	ctx := context.Background()

	id, _ := alice.svc.StartCall(ctx, "bob", domain.KindAudio)
	bob.waitIncoming(t)
	bob.client.pause()
	if err := bob.svc.Accept(ctx, id); err != nil {
		t.Fatal(err)
	}
	eventually(t, "alice offering", func() bool {
		link := alice.transports.get(id)
		return link != nil && link.offerCount() == 1
	})

	early := json.RawMessage(`{"candidate":"candidate:2 1 udp 2 10.0.0.1 9 typ host"}`)
	env, err := domain.NewEnvelope("alice", "bob", id, domain.ICECandidate{Candidate: early})
	if err != nil {
		t.Fatal(err)
	}
	bob.svc.HandleEnvelope(env)
	barrier(t, bob)
	if bob.transports.get(id) != nil {
		t.Fatal("transport opened before the offer")
	}

	bob.client.resume()
	bob.waitState(t, id, domain.StateActive)
	var got []json.RawMessage
	eventually(t, "candidates applied", func() bool {
		got = bob.transports.get(id).appliedCandidates()
		return len(got) == 2
	})
	if string(got[0]) != string(early) {
		t.Fatalf("first applied candidate = %s", got[0])
	}
}

func TestLinkLossRestartsICE(t *testing.T) {
	hub := startRelay(t)
	mc := clock.NewMock()
	alice := joinRelay(t, hub, "alice", mc)
	bob := joinRelay(t, hub, "bob", mc)

	id := activeCall(t, alice, bob, domain.KindAudio)
	aliceLink, bobLink := alice.transports.get(id), bob.transports.get(id)

	// only the initiator of a leg restarts
	bobLink.link(domain.LinkDisconnected)
	barrier(t, bob)
	if bobLink.offerCount() != 0 {
		t.Fatal("responder sent an offer")
	}
	bobLink.link(domain.LinkConnected)

	aliceLink.link(domain.LinkDisconnected)
	eventually(t, "restart offer", func() bool { return aliceLink.offerCount() == 2 })
	if !aliceLink.lastOffer().ICERestart {
		t.Fatal("offer after link loss is not an ICE restart")
	}
	eventually(t, "restart answered", aliceLink.settled)

	aliceLink.link(domain.LinkConnected)
	barrier(t, alice)
	mc.Add(5 * time.Second)
	barrier(t, alice)
	barrier(t, bob)
	for _, p := range []*peer{alice, bob} {
		if ev, _ := p.obs.last(id); ev.Session.State != domain.StateActive {
			t.Fatalf("%s state = %s", p.id, ev.Session.State)
		}
	}
}

func TestDuplicateCallRequestRejected(t *testing.T) {
	gw := &recordingGateway{}
	bob := newPeer(t, "bob", gw, nil)

	req, _ := domain.NewEnvelope("alice", "bob", "call_1", domain.CallRequest{CallerID: "alice", CalleeID: "bob", CallType: domain.KindAudio})
	bob.svc.HandleEnvelope(req)
	bob.waitState(t, "call_1", domain.StateRinging)

	bob.svc.HandleEnvelope(req)
	other, _ := domain.NewEnvelope("carol", "bob", "call_1", domain.CallRequest{CallerID: "carol", CalleeID: "bob", CallType: domain.KindVideo})
	bob.svc.HandleEnvelope(other)
	barrier(t, bob)

	sessions, err := bob.svc.Sessions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Remote != "alice" || sessions[0].Kind != domain.KindAudio {
		t.Fatalf("sessions = %+v", sessions)
	}
	rings := 0
	bob.obs.mu.Lock()
	for _, ev := range bob.obs.calls {
		if ev.Session.State == domain.StateRinging {
			rings++
		}
	}
	bob.obs.mu.Unlock()
	if rings != 1 {
		t.Fatalf("rang %d times", rings)
	}
	// answering would end the live call on the caller's side
	if sent := gw.types(); len(sent) != 0 {
		t.Fatalf("sent %v", sent)
	}
}

func TestScreenShareRequiresActiveCall(t *testing.T) {
	alice := newPeer(t, "alice", &recordingGateway{}, nil)
	ctx := context.Background()
	id, _ := alice.svc.StartCall(ctx, "bob", domain.KindAudio)
	alice.waitState(t, id, domain.StateRinging)
	if err := alice.svc.ToggleScreenShare(ctx, id); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("err=%v", err)
	}
}

func TestShutdownEndsCalls(t *testing.T) {
	hub := startRelay(t)
	alice := joinRelay(t, hub, "alice", nil)
	bob := joinRelay(t, hub, "bob", nil)
	ctx := context.Background()

	id, _ := alice.svc.StartCall(ctx, "bob", domain.KindAudio)
	bob.waitIncoming(t)
	_ = bob.svc.Accept(ctx, id)
	alice.waitState(t, id, domain.StateActive)

	alice.stop()
	if ev := alice.waitState(t, id, domain.StateEnded); ev.Session.Reason != domain.ReasonShutdown {
		t.Fatalf("alice reason = %s", ev.Session.Reason)
	}
	if ev := bob.waitState(t, id, domain.StateEnded); ev.Session.Reason != domain.ReasonRemoteHangup {
		t.Fatalf("bob reason = %s", ev.Session.Reason)
	}
	if _, err := alice.svc.Sessions(ctx); !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("after stop: err=%v", err)
	}
}
