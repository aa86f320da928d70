package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHMACSHA256Hex(t *testing.T) {
	// RFC 4231 test case 2.
	got := HMACSHA256Hex([]byte("Jefe"), []byte("what do ya want for nothing?"))
	want := "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"
	if got != want {
		t.Fatalf("HMACSHA256Hex = %s, want %s", got, want)
	}
	if !EqualHex(got, want) || EqualHex(got, strings.Repeat("0", len(want))) {
		t.Fatal("EqualHex mismatch")
	}
}

func TestResponseEnvelopes(t *testing.T) {
	rec := httptest.NewRecorder()
	SuccessResponse(rec, http.StatusCreated, map[string]int{"n": 1})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	var ok struct {
		Success bool           `json:"success"`
		Data    map[string]int `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ok); err != nil || !ok.Success || ok.Data["n"] != 1 {
		t.Fatalf("unexpected success body %s (%v)", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	ErrorResponse(rec, http.StatusConflict, "invalid_state", "session already completed")
	var fail map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &fail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fail["error"] != "invalid_state" || fail["message"] != "session already completed" {
		t.Fatalf("unexpected error body %v", fail)
	}
}

func TestValidateUUID(t *testing.T) {
	if !ValidateUUID(GenerateUUID()) {
		t.Fatal("generated uuid should validate")
	}
	if ValidateUUID("not-a-uuid") {
		t.Fatal("garbage should not validate")
	}
}
