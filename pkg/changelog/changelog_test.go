package changelog

import (
	"encoding/json"
	"testing"
)

func TestChangeDataDecoding(t *testing.T) {
	raw := []byte(`{
		"change": "status",
		"member_id": 42,
		"status": {"membership_status": "active", "membership_level": "Full"}
	}`)

	var d ChangeData
	if err := json.Unmarshal(raw, &d); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if d.Change != "status" {
		t.Errorf("expected change type status, got %q", d.Change)
	}
	if d.MemberID != 42 {
		t.Errorf("expected member id 42, got %d", d.MemberID)
	}

	var detail map[string]string
	if err := json.Unmarshal(d.Detail(), &detail); err != nil {
		t.Fatalf("Detail is not valid JSON: %v", err)
	}
	if detail["membership_status"] != "active" {
		t.Errorf("expected detail under the change type key, got %v", detail)
	}
}

func TestChangeDataDetailMissing(t *testing.T) {
	var d ChangeData
	if err := json.Unmarshal([]byte(`{"change": "identity", "member_id": 1}`), &d); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if d.Detail() != nil {
		t.Errorf("expected nil detail, got %s", d.Detail())
	}
}

func TestChangeDataRoundTrip(t *testing.T) {
	d := ChangeData{Change: "access", MemberID: 7}
	if err := d.SetDetail(map[string]any{"reason": "waiver signed"}); err != nil {
		t.Fatalf("SetDetail failed: %v", err)
	}

	out, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var back ChangeData
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if back.Change != "access" || back.MemberID != 7 {
		t.Errorf("envelope lost in round trip: %+v", back)
	}
	var detail map[string]string
	if err := json.Unmarshal(back.Detail(), &detail); err != nil {
		t.Fatalf("detail lost in round trip: %v", err)
	}
	if detail["reason"] != "waiver signed" {
		t.Errorf("unexpected detail: %v", detail)
	}
}
