package protocol

import "testing"

func TestDecodeRoundTrip(t *testing.T) {
	hdr := NewHeader("node-a", 1)
	vol := 0.8
	env := WrapMediaControl(MediaControl{
		Header:  hdr,
		Action:  ActionPlay,
		TrackID: "track-1",
		StartAt: 1000.5,
		Params:  Params{Volume: &vol},
	})

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type != TypeMediaControl {
		t.Fatalf("expected type %q, got %q", TypeMediaControl, decoded.Type)
	}
	if decoded.MediaControl == nil || decoded.MediaControl.TrackID != "track-1" {
		t.Fatalf("MediaControl payload lost in round trip: %+v", decoded.MediaControl)
	}
	if *decoded.MediaControl.Params.Volume != 0.8 {
		t.Fatalf("expected volume 0.8, got %v", *decoded.MediaControl.Params.Volume)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"not_a_real_type"}`))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	var unknown ErrUnknownType
	if !asUnknownType(err, &unknown) {
		t.Fatalf("expected ErrUnknownType, got %T: %v", err, err)
	}
}

func asUnknownType(err error, target *ErrUnknownType) bool {
	u, ok := err.(ErrUnknownType)
	if !ok {
		return false
	}
	*target = u
	return true
}
