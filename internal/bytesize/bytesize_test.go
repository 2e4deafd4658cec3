package bytesize

import "testing"

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in   string
		want ByteSize
	}{
		{"1024", 1024},
		{"1Ki", KiB},
		{"1KiB", KiB},
		{"4Mi", 4 * MiB},
		{"1.5Mi", ByteSize(1.5 * float64(MiB))},
		{"100MB", 100 * MB},
		{"2Gi", 2 * GiB},
		{" 512 ki ", 512 * KiB},
	}

	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			got, err := ParseByteSize(c.in)
			if err != nil {
				t.Fatalf("ParseByteSize(%q): %v", c.in, err)
			}
			if got != c.want {
				t.Errorf("ParseByteSize(%q) = %d, want %d", c.in, got, c.want)
			}
		})
	}
}

func TestParseByteSizeInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1Zi", "-5Mi"} {
		t.Run(in, func(t *testing.T) {
			if _, err := ParseByteSize(in); err == nil {
				t.Errorf("ParseByteSize(%q) should fail", in)
			}
		})
	}
}

func TestString(t *testing.T) {
	cases := []struct {
		in   ByteSize
		want string
	}{
		{512, "512B"},
		{KiB, "1.00KiB"},
		{MiB, "1.00MiB"},
		{3 * GiB, "3.00GiB"},
	}
	for _, c := range cases {
		if got := c.in.String(); got != c.want {
			t.Errorf("(%d).String() = %q, want %q", uint64(c.in), got, c.want)
		}
	}
}

func TestUnmarshalText(t *testing.T) {
	var b ByteSize
	if err := b.UnmarshalText([]byte("1Mi")); err != nil {
		t.Fatal(err)
	}
	if b != MiB {
		t.Errorf("got %d, want %d", b, MiB)
	}
	if err := b.UnmarshalText([]byte("nope")); err == nil {
		t.Error("expected error for invalid input")
	}
}
