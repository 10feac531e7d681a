package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDecodeJSON_ValidInput(t *testing.T) {
	body := `{"name":"test","value":42}`
	r := newRequest(body)

	var dst struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}
	if err := DecodeJSON(r, &dst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dst.Name != "test" {
		t.Errorf("name = %q, want %q", dst.Name, "test")
	}
	if dst.Value != 42 {
		t.Errorf("value = %d, want %d", dst.Value, 42)
	}
}

func TestDecodeJSON_NilBody(t *testing.T) {
	r, _ := http.NewRequest(http.MethodPost, "/test", nil)

	var dst struct{}
	err := DecodeJSON(r, &dst)
	if err == nil {
		t.Fatal("expected error for nil body")
	}
	if err.Error() != "request body is empty" {
		t.Errorf("error = %q, want %q", err.Error(), "request body is empty")
	}
}

func TestDecodeJSON_EmptyBody(t *testing.T) {
	r := newRequest("")

	var dst struct{}
	err := DecodeJSON(r, &dst)
	if err == nil {
		t.Fatal("expected error for empty body")
	}
	if err.Error() != "request body is empty" {
		t.Errorf("error = %q, want %q", err.Error(), "request body is empty")
	}
}

func TestDecodeJSON_MalformedJSON(t *testing.T) {
	r := newRequest(`{invalid}`)

	var dst struct{}
	err := DecodeJSON(r, &dst)
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if !strings.Contains(err.Error(), "malformed JSON") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "malformed JSON")
	}
}

func TestDecodeJSON_TypeMismatch(t *testing.T) {
	r := newRequest(`{"value":"not_a_number"}`)

	var dst struct {
		Value int `json:"value"`
	}
	err := DecodeJSON(r, &dst)
	if err == nil {
		t.Fatal("expected error for type mismatch")
	}
	if !strings.Contains(err.Error(), "invalid value") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "invalid value")
	}
}

func TestDecodeJSON_UnknownField(t *testing.T) {
	r := newRequest(`{"name":"test","extra":"field"}`)

	var dst struct {
		Name string `json:"name"`
	}
	err := DecodeJSON(r, &dst)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "unknown field") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "unknown field")
	}
}

func TestDecodeJSON_OversizedBody(t *testing.T) {
	// Create a body that exceeds MaxBodySize (1MB)
	huge := `{"data":"` + strings.Repeat("x", MaxBodySize+1) + `"}`
	r := newRequest(huge)

	var dst struct {
		Data string `json:"data"`
	}
	err := DecodeJSON(r, &dst)
	if err == nil {
		t.Fatal("expected error for oversized body")
	}
	if !strings.Contains(err.Error(), "exceeds maximum size") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "exceeds maximum size")
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		{input: "2026-03-02", want: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{input: "2026-03-02T10:30:00Z", want: time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)},
		{input: "2026-03-02T10:30:00+02:00", want: time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)},
		{input: "03/02/2026", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseTime(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTime(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTime(%q): unexpected error %v", tt.input, err)
			continue
		}
		if !got.Equal(tt.want) || got.Location() != time.UTC {
			t.Errorf("ParseTime(%q) = %v, want %v in UTC", tt.input, got, tt.want)
		}
	}
}

func TestQueryParams(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test?policy_id=12&from=2026-03-01&bad=x", nil)

	id, err := QueryUint(r, "policy_id")
	if err != nil || id == nil || *id != 12 {
		t.Errorf("QueryUint = %v, %v; want 12", id, err)
	}
	if id, err := QueryUint(r, "missing"); err != nil || id != nil {
		t.Errorf("missing param should be nil, got %v %v", id, err)
	}
	if _, err := QueryUint(r, "bad"); err == nil {
		t.Error("expected error for non-numeric value")
	}

	from, err := QueryTime(r, "from")
	if err != nil || !from.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("QueryTime = %v, %v", from, err)
	}
	if to, err := QueryTime(r, "to"); err != nil || !to.IsZero() {
		t.Errorf("missing time should be zero, got %v %v", to, err)
	}
}

func TestPathUint(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/metrics/5", nil)
	r.SetPathValue("id", "5")
	if id, err := PathUint(r, "id"); err != nil || id != 5 {
		t.Errorf("PathUint = %d, %v; want 5", id, err)
	}
	r.SetPathValue("id", "0")
	if _, err := PathUint(r, "id"); err == nil {
		t.Error("expected error for zero id")
	}
}

// newRequest creates an http.Request with the given JSON body.
func newRequest(body string) *http.Request {
	r, _ := http.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}
