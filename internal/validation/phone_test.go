package validation

import "testing"

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name  string
		phone string
		want  string
		valid bool
	}{
		{name: "local format", phone: "08031234567", want: "08031234567", valid: true},
		{name: "international", phone: "+2348031234567", want: "08031234567", valid: true},
		{name: "international without plus", phone: "2349061234567", want: "09061234567", valid: true},
		{name: "spaces and dashes", phone: "0803 123-4567", want: "08031234567", valid: true},
		{name: "too short", phone: "0803123456", valid: false},
		{name: "landline prefix", phone: "01234567890", valid: false},
		{name: "letters", phone: "0803abc4567", valid: false},
		{name: "plus in the middle", phone: "0803+1234567", valid: false},
		{name: "foreign country code", phone: "+4479112345678", valid: false},
		{name: "empty string", phone: "", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizePhone(tt.phone)
			if ok != tt.valid {
				t.Fatalf("NormalizePhone(%q) valid = %v, want %v", tt.phone, ok, tt.valid)
			}
			if ok && got != tt.want {
				t.Fatalf("NormalizePhone(%q) = %q, want %q", tt.phone, got, tt.want)
			}
		})
	}
}

func TestNormalizeNetwork(t *testing.T) {
	tests := []struct {
		network string
		want    string
		valid   bool
	}{
		{network: "MTN", want: "mtn", valid: true},
		{network: " glo ", want: "glo", valid: true},
		{network: "etisalat", want: "9mobile", valid: true},
		{network: "9mobile", want: "9mobile", valid: true},
		{network: "ntel", valid: false},
		{network: "", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.network, func(t *testing.T) {
			got, ok := NormalizeNetwork(tt.network)
			if ok != tt.valid || got != tt.want {
				t.Fatalf("NormalizeNetwork(%q) = %q, %v, want %q, %v", tt.network, got, ok, tt.want, tt.valid)
			}
		})
	}
}
