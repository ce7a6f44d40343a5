package telemetry

import "testing"

func TestParseReading(t *testing.T) {
	payload := []byte(`{
		"response": "ReadParameters",
		"address": "0x63",
		"voltage": 231.0,
		"current": 5.2,
		"power_factor": 0.96,
		"active_power": 1040.5,
		"reactive_power": 110.2,
		"apparent_power": 1120.8,
		"frequency": 50.0,
		"health_status": "WARNING",
		"message": "High current detected"
	}`)

	r, err := ParseReading(payload)
	if err != nil {
		t.Fatal(err)
	}
	if r.Address != "0x63" {
		t.Errorf("address = %q", r.Address)
	}
	if r.Voltage != 231.0 {
		t.Errorf("voltage = %v, want 231.0", r.Voltage)
	}
	if r.HealthStatus != "WARNING" {
		t.Errorf("health = %q, want WARNING", r.HealthStatus)
	}
	if r.Message != "High current detected" {
		t.Errorf("message = %q", r.Message)
	}
}

func TestParseReadingDefaultsMissingNumerics(t *testing.T) {
	r, err := ParseReading([]byte(`{"response":"ReadParameters","address":"63"}`))
	if err != nil {
		t.Fatal(err)
	}
	if r.Voltage != 0 || r.Current != 0 || r.Frequency != 0 {
		t.Errorf("missing numerics not zero: %+v", r)
	}
	if r.NormalizedStatus() != "ok" {
		t.Errorf("normalized status = %q, want ok", r.NormalizedStatus())
	}
}

func TestParseReadingRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseReading([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestParseReadingRejectsWrongResponseTag(t *testing.T) {
	if _, err := ParseReading([]byte(`{"response":"DeviceInfo","address":"63"}`)); err == nil {
		t.Fatal("expected error for wrong response tag")
	}
}

func TestNormalizeAddress(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"0xAB", "ab"},
		{"ab", "ab"},
		{"AB", "ab"},
		{"0Xab", "ab"},
		{"63", "63"},
		{"", ""},
	} {
		if got := NormalizeAddress(tc.in); got != tc.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizedStatusCaseInsensitive(t *testing.T) {
	for _, tc := range []struct {
		in       string
		want     string
		abnormal bool
	}{
		{"OK", "ok", false},
		{"ok", "ok", false},
		{"Warning", "warning", true},
		{"CAUTION", "caution", true},
		{"", "ok", false},
	} {
		r := &Reading{HealthStatus: tc.in}
		if got := r.NormalizedStatus(); got != tc.want {
			t.Errorf("status %q normalized = %q, want %q", tc.in, got, tc.want)
		}
		if got := r.Abnormal(); got != tc.abnormal {
			t.Errorf("status %q abnormal = %v, want %v", tc.in, got, tc.abnormal)
		}
	}
}
