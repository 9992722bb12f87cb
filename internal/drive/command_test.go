package drive

import "testing"

func TestCommand_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		flush bool
		cmd   uint8
		dir   uint8
	}{
		{"forward no flush", false, CmdPush, Forward},
		{"left with flush", true, CmdPush, Left},
		{"right with flush", true, CmdPush, Right},
		{"backward", false, CmdPush, Backward},
		{"stop", false, CmdPush, Stop},
	}

	for _, tt := range tests {
		c := New(tt.flush, tt.cmd, tt.dir)
		if c.Flush() != tt.flush {
			t.Errorf("%s: Flush() = %v, want %v", tt.name, c.Flush(), tt.flush)
		}
		if c.Cmd() != tt.cmd {
			t.Errorf("%s: Cmd() = %d, want %d", tt.name, c.Cmd(), tt.cmd)
		}
		if c.Dir() != tt.dir&0x3 {
			t.Errorf("%s: Dir() = %d, want %d", tt.name, c.Dir(), tt.dir)
		}
	}
}

func TestCommand_KnownEncoding(t *testing.T) {
	// flush=1, cmd=0, dir=left(1) -> 0b1000_0001
	if c := New(true, CmdPush, Left); uint8(c) != 0x81 {
		t.Errorf("encoded byte = %#02x, want 0x81", uint8(c))
	}
	// flush=0, cmd=0, dir=forward(2) -> 0b0000_0010
	if c := New(false, CmdPush, Forward); uint8(c) != 0x02 {
		t.Errorf("encoded byte = %#02x, want 0x02", uint8(c))
	}
}

func TestNewFrame(t *testing.T) {
	f := NewFrame(New(false, CmdPush, Forward))
	if f.SID != MotorSID {
		t.Errorf("SID = %#x, want %#x", f.SID, MotorSID)
	}
	if f.Len != 1 {
		t.Errorf("Len = %d, want 1", f.Len)
	}
	if f.Data[0] != 0x02 {
		t.Errorf("Data[0] = %#02x, want 0x02", f.Data[0])
	}
}
