package cursor

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		err  bool
	}{
		{name: "empty", in: "", want: ""},
		{name: "bare hex", in: "0000002b000004e80003", want: "0x0000002b000004e80003"},
		{name: "prefixed", in: "0x0000002b000004e80003", want: "0x0000002b000004e80003"},
		{name: "upper prefix", in: "0X00FF", want: "0x00ff"},
		{name: "odd length", in: "0xfff", want: "0x0fff"},
		{name: "whitespace", in: "  0x01  ", want: "0x01"},
		{name: "garbage", in: "0xzz", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse(tt.in)
			if tt.err {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := c.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	mk := func(s string) Cursor {
		c, err := Parse(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		return c
	}

	tests := []struct {
		name string
		a, b string
		want int
	}{
		{name: "equal", a: "0x01", b: "0x01", want: 0},
		{name: "less", a: "0x01", b: "0x02", want: -1},
		{name: "greater", a: "0xff", b: "0x01", want: 1},
		{name: "length differs", a: "0x0100", b: "0xff", want: 1},
		{name: "leading zeros ignored", a: "0x0001", b: "0x01", want: 0},
		{name: "zero sorts first", a: "", b: "0x01", want: -1},
		{name: "both zero", a: "", b: "", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(mk(tt.a), mk(tt.b)); got != tt.want {
				t.Errorf("Compare(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestMax(t *testing.T) {
	a, _ := Parse("0x01")
	b, _ := Parse("0x02")
	if got := Max(a, b); got.String() != "0x02" {
		t.Errorf("Max = %s, want 0x02", got)
	}
	if got := Max(b, a); got.String() != "0x02" {
		t.Errorf("Max = %s, want 0x02", got)
	}
	if got := Max(nil, a); got.String() != "0x01" {
		t.Errorf("Max(nil, a) = %s, want 0x01", got)
	}
}
