package money

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one dollar", "1.00", 1_000_000},
		{"fifty cents", "0.50", 500_000},
		{"hundred", "100", 100_000_000},
		{"smallest unit", "0.000001", 1},
		{"short frac", "1.5", 1_500_000},
		{"six decimals", "1.123456", 1_123_456},
		{"leading zeros in whole", "007.50", 7_500_000},
		{"no whole part", ".50", 500_000},
		{"surrounding space", " 2.25 ", 2_250_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_EmptyString(t *testing.T) {
	got, ok := Parse("")
	if !ok {
		t.Fatal("Parse(\"\") returned ok=false")
	}
	if got.Sign() != 0 {
		t.Errorf("Parse(\"\") = %s, want 0", got.String())
	}
}

func TestParse_InvalidInputs(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"negative", "-1.00"},
		{"negative zero", "-0"},
		{"explicit plus", "+1"},
		{"alphabetic", "abc"},
		{"multiple dots", "1.2.3"},
		{"has letters", "12abc"},
		{"trailing dot", "12."},
		{"seven decimals", "1.1234567"},
		{"exponent", "1e6"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Parse(tt.input); ok {
				t.Errorf("Parse(%q) should return ok=false", tt.input)
			}
		})
	}
}

func TestParse_VeryLargeAmount(t *testing.T) {
	got, ok := Parse("99999999999999.999999")
	if !ok {
		t.Fatal("Parse returned ok=false for very large amount")
	}
	expected, _ := new(big.Int).SetString("99999999999999999999", 10)
	if got.Cmp(expected) != 0 {
		t.Errorf("Parse very large = %s, want %s", got.String(), expected.String())
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0.000000"},
		{1, "0.000001"},
		{1000, "0.001000"},
		{1_000_000, "1.000000"},
		{999_999_999_999, "999999.999999"},
		{-1_500_000, "-1.500000"},
	}
	for _, tt := range tests {
		if got := Format(big.NewInt(tt.input)); got != tt.expected {
			t.Errorf("Format(%d) = %q, want %q", tt.input, got, tt.expected)
		}
	}
	if got := Format(nil); got != "0.000000" {
		t.Errorf("Format(nil) = %q", got)
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"1":      "1.000000",
		"1.5":    "1.500000",
		"007.50": "7.500000",
		"0":      "0.000000",
	}
	for in, want := range tests {
		got, ok := Normalize(in)
		if !ok || got != want {
			t.Errorf("Normalize(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := Normalize("bad"); ok {
		t.Error("Normalize(bad) should fail")
	}
}

func TestArithmetic(t *testing.T) {
	if got := Add("1.25", "2.75"); got != "4.000000" {
		t.Errorf("Add = %s", got)
	}
	if got := Sub("1.00", "2.50"); got != "-1.500000" {
		t.Errorf("Sub = %s", got)
	}
	if got := Format(Sum("0.1", "0.2", "0.3")); got != "0.600000" {
		t.Errorf("Sum = %s", got)
	}
	if got := Min(big.NewInt(3), big.NewInt(2)); got.Int64() != 2 {
		t.Errorf("Min = %s", got)
	}
	if !IsZero("0.000000") || IsZero("0.000001") {
		t.Error("IsZero mismatch")
	}
}

func TestToMinor(t *testing.T) {
	cents, err := ToMinor(MustParse("12.34"), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cents != 1234 {
		t.Errorf("ToMinor = %d, want 1234", cents)
	}

	if _, err := ToMinor(MustParse("0.001"), 2); err == nil {
		t.Error("expected error for sub-cent amount")
	}
	if _, err := ToMinor(big.NewInt(1), 9); err == nil {
		t.Error("expected error for unsupported exponent")
	}
}

func TestRat(t *testing.T) {
	want := big.NewRat(9, 2)
	if Rat("4.5").Cmp(want) != 0 {
		t.Errorf("Rat(4.5) = %s", Rat("4.5").String())
	}
}
