package rfid

import (
	"testing"
	"time"
)

func TestBCDRoundTrip(t *testing.T) {
	for v := 0; v <= 99; v++ {
		b := toBCD(v)
		got, err := fromBCD(b)
		if err != nil {
			t.Fatalf("fromBCD(toBCD(%d)) failed: %v", v, err)
		}
		if got != v {
			t.Fatalf("BCD round trip lost %d: got %d", v, got)
		}
	}
}

func TestFromBCDRejectsNonBCD(t *testing.T) {
	for _, b := range []byte{0x0a, 0xa0, 0xff} {
		if _, err := fromBCD(b); err == nil {
			t.Errorf("expected error for byte 0x%02x", b)
		}
	}
}

func TestDateTimePacking(t *testing.T) {
	want := time.Date(2026, time.August, 25, 14, 30, 59, 0, time.Local)

	var buf [7]byte
	packDateTime(buf[:], want)

	got, err := unpackDateTime(buf[:])
	if err != nil {
		t.Fatalf("unpackDateTime failed: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("timestamp round trip: got %v, want %v", got, want)
	}
}

func TestUnpackDateTimeRejectsImpossibleDates(t *testing.T) {
	// 2026-02-31 does not exist.
	buf := []byte{0x20, 0x26, 0x02, 0x31, 0x00, 0x00, 0x00}
	if _, err := unpackDateTime(buf); err == nil {
		t.Error("expected error for impossible date")
	}
}

func TestRequestFraming(t *testing.T) {
	u := &UHPPOTE{serial: 423188757}

	req := u.newRequest(fnPutCard)
	if len(req) != packetSize {
		t.Fatalf("request is %d bytes, want %d", len(req), packetSize)
	}
	if req[0] != som {
		t.Errorf("missing start-of-message byte: 0x%02x", req[0])
	}
	if req[1] != fnPutCard {
		t.Errorf("wrong function code: 0x%02x", req[1])
	}
	// Serial is little-endian at offset 4.
	got := uint32(req[4]) | uint32(req[5])<<8 | uint32(req[6])<<16 | uint32(req[7])<<24
	if got != 423188757 {
		t.Errorf("serial encoded as %d, want 423188757", got)
	}
}
