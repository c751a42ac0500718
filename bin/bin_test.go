package bin

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mewmew/tracelift/internal/petest"
)

func TestImageByteAt(t *testing.T) {
	img := NewImage(0x1000, []byte{0x00, 0xC3})
	tests := []struct {
		name   string
		addr   Addr
		want   byte
		wantOk bool
	}{
		{name: "present zero byte", addr: 0x1000, want: 0x00, wantOk: true},
		{name: "last byte", addr: 0x1001, want: 0xC3, wantOk: true},
		{name: "past end", addr: 0x1002, wantOk: false},
		{name: "before base", addr: 0x0FFF, wantOk: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := img.ByteAt(tt.addr)
			if ok != tt.wantOk {
				t.Fatalf("ByteAt(%v) ok = %v, want %v", tt.addr, ok, tt.wantOk)
			}
			if got != tt.want {
				t.Errorf("ByteAt(%v) = %#x, want %#x", tt.addr, got, tt.want)
			}
		})
	}
	if got, want := img.End(), Addr(0x1002); got != want {
		t.Errorf("End() = %v, want %v", got, want)
	}
}

func TestParseAddrs(t *testing.T) {
	got, err := ParseAddrs(strings.NewReader("4096\n0x1005 4096\t\n\n  8192"))
	if err != nil {
		t.Fatalf("ParseAddrs: %+v", err)
	}
	want := Addrs{0x1000, 0x1005, 0x1000, 0x2000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseAddrs mismatch (-want +got):\n%s", diff)
	}
	if _, err := ParseAddrs(strings.NewReader("12 zz")); err == nil {
		t.Error("ParseAddrs: expected error for invalid address")
	}
}

func TestParseNameMap(t *testing.T) {
	const input = `# addr seg name
4096 1 main

0x2000 exit
`
	got, err := ParseNameMap(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseNameMap: %+v", err)
	}
	want := NameMap{0x1000: "main", 0x2000: "exit"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseNameMap mismatch (-want +got):\n%s", diff)
	}
	if _, err := ParseNameMap(strings.NewReader("4096\n")); err == nil {
		t.Error("ParseNameMap: expected error for entry without name")
	}
}

func TestLoadAddrsJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocks.json")
	if err := os.WriteFile(path, []byte(`["0x1000", "8192"]`), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadAddrs(path)
	if err != nil {
		t.Fatalf("LoadAddrs: %+v", err)
	}
	if diff := cmp.Diff(Addrs{0x1000, 0x2000}, got); diff != "" {
		t.Errorf("LoadAddrs mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.bin")
	if _, err := LoadImage(path, 0); err == nil || !strings.Contains(err.Error(), "code file") {
		t.Errorf("LoadImage: expected code file error, got %v", err)
	}
	if _, err := LoadNameMap(path); err == nil || !strings.Contains(err.Error(), "name map file") {
		t.Errorf("LoadNameMap: expected name map file error, got %v", err)
	}
}

func TestAddrWidth(t *testing.T) {
	a := Addr(0x1_0000_1000)
	if a.Fits(32) {
		t.Errorf("%v.Fits(32) = true", a)
	}
	if got, want := a.Truncate(32), Addr(0x1000); got != want {
		t.Errorf("%v.Truncate(32) = %v, want %v", a, got, want)
	}
	if !a.Fits(64) {
		t.Errorf("%v.Fits(64) = false", a)
	}
}

func TestLoadPE(t *testing.T) {
	text := petest.Text(0x1000, []byte{0x90, 0xC3})
	data := petest.Data(0x2000, []byte{0x01, 0x02, 0x03, 0x04})
	tests := []struct {
		name      string
		file      petest.File
		wantBase  Addr
		wantData  []byte
		wantHeads Addrs
		wantErr   string
	}{
		{
			name: "code and data sections",
			file: petest.File{
				ImageBase: 0x400000,
				Entry:     0x1001,
				Sections:  []petest.Section{text, data},
			},
			wantBase:  0x401000,
			wantData:  []byte{0x90, 0xC3},
			wantHeads: Addrs{0x401001},
		},
		{
			name: "data section first",
			file: petest.File{
				ImageBase: 0x10000000,
				Entry:     0x1000,
				Sections:  []petest.Section{data, text},
			},
			wantBase:  0x10001000,
			wantData:  []byte{0x90, 0xC3},
			wantHeads: Addrs{0x10001000},
		},
		{
			name: "multiple executable sections",
			file: petest.File{
				ImageBase: 0x400000,
				Entry:     0x1000,
				Sections:  []petest.Section{text, petest.Text(0x3000, []byte{0xC3})},
			},
			wantErr: "multiple executable sections",
		},
		{
			name: "no executable section",
			file: petest.File{
				ImageBase: 0x400000,
				Entry:     0x2000,
				Sections:  []petest.Section{data},
			},
			wantErr: "unable to locate executable section",
		},
		{
			name: "64-bit executable",
			file: petest.File{
				PE64:      true,
				ImageBase: 0x400000,
				Entry:     0x1000,
				Sections:  []petest.Section{text},
			},
			wantErr: "64-bit executables",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "test.exe")
			if err := os.WriteFile(path, petest.Build(tt.file), 0o644); err != nil {
				t.Fatal(err)
			}
			img, heads, err := LoadPE(path)
			if len(tt.wantErr) > 0 {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("LoadPE: expected %q error, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadPE: %+v", err)
			}
			if img.Base != tt.wantBase {
				t.Errorf("image base = %v, want %v", img.Base, tt.wantBase)
			}
			if diff := cmp.Diff(tt.wantData, img.Data); diff != "" {
				t.Errorf("image data mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantHeads, heads); diff != "" {
				t.Errorf("trace heads mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadPEInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.exe")
	if err := os.WriteFile(path, []byte{0xC3}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadPE(path); err == nil {
		t.Error("LoadPE: expected error for file which is not a PE executable")
	}
}
