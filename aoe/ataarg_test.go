package aoe

import (
	"bytes"
	"io"
	"reflect"
	"testing"
)

func TestATAArgMarshalBinary(t *testing.T) {
	var tests = []struct {
		desc string
		a    *ATAArg
		b    []byte
	}{
		{
			desc: "empty ATAArg",
			a:    &ATAArg{},
			b:    make([]byte, ataArgLen),
		},
		{
			desc: "LBA48 read of 2 sectors",
			a: &ATAArg{
				FlagLBA48Extended:         true,
				FlagATADeviceHeadRegister: true,
				SectorCount:               2,
				CmdStatus:                 ATACmdStatusRead48Bit,
				LBA:                       [6]uint8{0, 1, 2, 3, 4, 5},
			},
			b: []byte{0x50, 0, 2, 0x24, 0, 1, 2, 3, 4, 5, 0, 0},
		},
		{
			desc: "asynchronous write with data",
			a: &ATAArg{
				FlagAsynchronous: true,
				FlagWrite:        true,
				SectorCount:      1,
				CmdStatus:        ATACmdStatusWrite28Bit,
				LBA:              [6]uint8{5, 4, 3, 2, 0, 0},
				Data:             []byte("sector"),
			},
			b: []byte{0x03, 0, 1, 0x30, 5, 4, 3, 2, 0, 0, 0, 0, 's', 'e', 'c', 't', 'o', 'r'},
		},
		{
			desc: "abort status",
			a: &ATAArg{
				ErrFeature: ATAErrAbort,
				CmdStatus:  ATACmdStatusErrStatus,
			},
			b: []byte{0x00, 4, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0},
		},
	}

	for i, tt := range tests {
		b, err := tt.a.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}

		if want, got := tt.b, b; !bytes.Equal(want, got) {
			t.Fatalf("[%02d] test %q, unexpected bytes:\n- want: %v\n-  got: %v",
				i, tt.desc, want, got)
		}
	}
}

func TestATAArgUnmarshalBinary(t *testing.T) {
	var tests = []struct {
		desc string
		b    []byte
		a    *ATAArg
		err  error
	}{
		{
			desc: "ATAArg too short",
			b:    make([]byte, ataArgLen-1),
			err:  io.ErrUnexpectedEOF,
		},
		{
			desc: "reserved bytes set",
			b:    []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0},
			err:  ErrorBadArgumentParameter,
		},
		{
			desc: "identify response",
			b:    append([]byte{0x00, 0, 0, 0x40, 0, 0, 0, 0, 0, 0, 0, 0}, 'i', 'd'),
			a: &ATAArg{
				CmdStatus: ATACmdStatusReadyStatus,
				Data:      []byte("id"),
			},
		},
		{
			desc: "all flags",
			b:    []byte{0x53, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
			a: &ATAArg{
				FlagLBA48Extended:         true,
				FlagATADeviceHeadRegister: true,
				FlagAsynchronous:          true,
				FlagWrite:                 true,
				Data:                      []byte{},
			},
		},
	}

	for i, tt := range tests {
		a := new(ATAArg)
		if err := a.UnmarshalBinary(tt.b); err != nil || tt.err != nil {
			if want, got := tt.err, err; want != got {
				t.Fatalf("[%02d] test %q, unexpected error: %v != %v",
					i, tt.desc, want, got)
			}

			continue
		}

		if want, got := tt.a, a; !reflect.DeepEqual(want, got) {
			t.Fatalf("[%02d] test %q, unexpected ATAArg:\n- want: %+v\n-  got: %+v",
				i, tt.desc, want, got)
		}
	}
}

func TestATAArgLBA(t *testing.T) {
	var tests = []struct {
		desc  string
		lba   int64
		lba48 bool
	}{
		{desc: "zero", lba: 0},
		{desc: "largest LBA28", lba: maxLBA28},
		{desc: "first LBA48", lba: maxLBA28 + 1, lba48: true},
		{desc: "large LBA48", lba: 0x0000123456789abc, lba48: true},
	}

	for i, tt := range tests {
		a := new(ATAArg)
		a.SetLBA(tt.lba)

		if want, got := tt.lba48, a.FlagLBA48Extended; want != got {
			t.Fatalf("[%02d] test %q, unexpected LBA48 flag: %v != %v",
				i, tt.desc, want, got)
		}
		if want, got := tt.lba, a.LBAValue(); want != got {
			t.Fatalf("[%02d] test %q, unexpected LBA: %#x != %#x",
				i, tt.desc, want, got)
		}
	}

	// LBA28 addressing ignores the high bits.
	a := &ATAArg{LBA: [6]uint8{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}}
	if want, got := int64(maxLBA28), a.LBAValue(); want != got {
		t.Fatalf("unexpected masked LBA28: %#x != %#x", want, got)
	}
}
