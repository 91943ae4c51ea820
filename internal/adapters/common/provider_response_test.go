package common

import "testing"

func TestTruncateRaw(t *testing.T) {
	if got := TruncateRaw("  ação completa ", 4); got != "ação" {
		t.Fatalf("expected rune aware truncation, got %q", got)
	}
	if got := TruncateRaw("anything", 0); got != "" {
		t.Fatalf("expected empty string for zero limit, got %q", got)
	}
	if got := TruncateRaw("short", 10); got != "short" {
		t.Fatalf("expected untouched body, got %q", got)
	}
}

func TestSnapshot(t *testing.T) {
	resp := &ProviderResponse{
		Provider:          "meta",
		Status:            StatusOK,
		Code:              IntPtr(200),
		ProviderMessageID: "wamid.1",
		Meta:              map[string]string{"conversation": "c1"},
	}
	snap := resp.Snapshot()
	if snap["code"] != 200 || snap["provider_message_id"] != "wamid.1" || snap["meta_conversation"] != "c1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if _, ok := snap["raw"]; ok {
		t.Fatalf("expected empty raw to be omitted")
	}

	var nilResp *ProviderResponse
	if nilResp.Snapshot() != nil {
		t.Fatalf("expected nil snapshot for nil response")
	}
}

func TestStaticGate(t *testing.T) {
	if !AlwaysConnected.State().IsConnected {
		t.Fatalf("expected AlwaysConnected to report connected")
	}
	if StaticGate("disconnected").State().IsConnected {
		t.Fatalf("expected disconnected gate")
	}
}
