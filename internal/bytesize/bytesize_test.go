package bytesize

import (
	"testing"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ByteSize
		wantErr bool
	}{
		{"plain zero", "0", 0, false},
		{"plain bytes", "1024", 1024, false},
		{"bytes suffix", "1024b", 1024, false},

		{"blocks blk", "2048blk", 2048 * 512, false},
		{"blocks word", "1 block", 512, false},
		{"blocks plural", "100Blocks", 100 * 512, false},

		{"kibibytes", "1KiB", 1024, false},
		{"mebibytes", "10Mi", 10 * 1024 * 1024, false},
		{"gibibytes", "1GI", 1024 * 1024 * 1024, false},
		{"kilobytes", "1K", 1000, false},
		{"megabytes", "4MB", 4 * 1000 * 1000, false},

		{"whitespace", "  1 Mi  ", 1024 * 1024, false},
		{"float", "1.5Mi", ByteSize(1.5 * 1024 * 1024), false},

		{"empty string", "", 0, true},
		{"whitespace only", "   ", 0, true},
		{"invalid unit", "1Xi", 0, true},
		{"negative number", "-1Gi", 0, true},
		{"no number", "Gi", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseByteSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseByteSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestByteSize_TextRoundTrip(t *testing.T) {
	var b ByteSize
	if err := b.UnmarshalText([]byte("64Ki")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if b != 64*KiB {
		t.Fatalf("UnmarshalText = %d, want %d", b, 64*KiB)
	}
	text, _ := b.MarshalText()
	if string(text) != "64.00KiB" {
		t.Errorf("MarshalText = %q", text)
	}
	if err := b.UnmarshalText([]byte("invalid")); err == nil {
		t.Error("UnmarshalText(invalid) succeeded")
	}
}

func TestByteSize_String(t *testing.T) {
	tests := []struct {
		input ByteSize
		want  string
	}{
		{512, "512B"},
		{2 * KiB, "2.00KiB"},
		{100 * MiB, "100.00MiB"},
		{ByteSize(1.5 * float64(GiB)), "1.50GiB"},
		{2 * TiB, "2.00TiB"},
	}

	for _, tt := range tests {
		if got := tt.input.String(); got != tt.want {
			t.Errorf("ByteSize(%d).String() = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestByteSize_Blocks(t *testing.T) {
	tests := []struct {
		input ByteSize
		want  uint64
	}{
		{0, 0},
		{1, 1},
		{512, 1},
		{513, 2},
		{10 * MiB, 20480},
	}

	for _, tt := range tests {
		if got := tt.input.Blocks(); got != tt.want {
			t.Errorf("ByteSize(%d).Blocks() = %d, want %d", tt.input, got, tt.want)
		}
	}
	if got := FromBlocks(3); got != 1536 {
		t.Errorf("FromBlocks(3) = %d, want 1536", got)
	}
}
