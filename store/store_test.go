package store

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "records.txt"), zaptest.NewLogger(t))
}

func TestLookupMissingFile(t *testing.T) {
	s := newTestStore(t)

	addrs, err := s.Lookup("example.com")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if len(addrs) != 0 {
		t.Errorf("Lookup() = %v, want empty", addrs)
	}
}

func TestRecordAndLookup(t *testing.T) {
	s := newTestStore(t)
	first := netip.MustParseAddr("93.184.216.34")
	second := netip.MustParseAddr("93.184.216.35")

	for _, a := range []netip.Addr{first, second} {
		added, err := s.Record("example.com", a)
		if err != nil {
			t.Fatalf("Record(%s) error = %v", a, err)
		}
		if !added {
			t.Errorf("Record(%s) added = false, want true", a)
		}
	}

	addrs, err := s.Lookup("EXAMPLE.com.")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if len(addrs) != 2 || addrs[0] != first || addrs[1] != second {
		t.Errorf("Lookup() = %v, want [%s %s]", addrs, first, second)
	}

	other, _ := s.Lookup("example.org")
	if len(other) != 0 {
		t.Errorf("Lookup(example.org) = %v, want empty", other)
	}
}

func TestRecordIdempotent(t *testing.T) {
	s := newTestStore(t)
	addr := netip.MustParseAddr("10.1.2.3")

	if _, err := s.Record("example.com", addr); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(s.path)
	afterOne, _ := s.Lookup("example.com")

	added, err := s.Record("example.com", addr)
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Error("second Record() reported the address as new")
	}
	after, _ := os.ReadFile(s.path)
	afterTwo, _ := s.Lookup("example.com")

	if string(before) != string(after) {
		t.Errorf("file changed on duplicate record:\n%s\n---\n%s", before, after)
	}
	if len(afterOne) != 1 || len(afterTwo) != 1 || afterOne[0] != afterTwo[0] {
		t.Errorf("set changed: %v then %v", afterOne, afterTwo)
	}
}

func TestRecordRejectsInvalidInput(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name   string
		domain string
		addr   netip.Addr
	}{
		{"empty name", "", netip.MustParseAddr("1.2.3.4")},
		{"name with space", "bad name", netip.MustParseAddr("1.2.3.4")},
		{"comment marker", "#x.example", netip.MustParseAddr("1.2.3.4")},
		{"vertical tab", "a\vb.example", netip.MustParseAddr("1.2.3.4")},
		{"form feed", "a\fb.example", netip.MustParseAddr("1.2.3.4")},
		{"no-break space", "a\u00a0b.example", netip.MustParseAddr("1.2.3.4")},
		{"ipv6 address", "example.com", netip.MustParseAddr("2001:db8::1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Record(tt.domain, tt.addr); err == nil {
				t.Error("Record() succeeded, want error")
			}
		})
	}
}

func TestRejectedNamesLeaveFileUntouched(t *testing.T) {
	s := newTestStore(t)
	addr := netip.MustParseAddr("10.0.0.1")

	for i := 0; i < 2; i++ {
		if added, err := s.Record("#x.example", addr); err == nil || added {
			t.Fatalf("Record() = %v, %v; want rejection", added, err)
		}
	}
	if _, err := os.Stat(s.path); !os.IsNotExist(err) {
		t.Errorf("backing file exists after rejected writes: %v", err)
	}
}

func TestUnusualButStorableNames(t *testing.T) {
	s := newTestStore(t)
	addr := netip.MustParseAddr("10.0.0.1")

	for _, name := range []string{"a#b.example", "_sip._udp.example", "xn--bcher-kva.example"} {
		for i, want := range []bool{true, false} {
			added, err := s.Record(name, addr)
			if err != nil {
				t.Fatalf("Record(%q) error = %v", name, err)
			}
			if added != want {
				t.Errorf("Record(%q) call %d added = %v, want %v", name, i+1, added, want)
			}
		}
		got, err := s.Lookup(name)
		if err != nil || len(got) != 1 || got[0] != addr {
			t.Errorf("Lookup(%q) = %v, %v", name, got, err)
		}
	}
}

func TestPersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.txt")
	logger := zaptest.NewLogger(t)

	if _, err := New(path, logger).Record("example.com", netip.MustParseAddr("93.184.216.34")); err != nil {
		t.Fatal(err)
	}

	addrs, err := New(path, logger).Lookup("example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || addrs[0].String() != "93.184.216.34" {
		t.Errorf("Lookup() after reopen = %v", addrs)
	}
}

func TestScanSkipsJunkLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.txt")
	content := strings.Join([]string{
		"# seeded by hand",
		"",
		"example.com 1.1.1.1",
		"example.com",
		"example.com not-an-ip",
		"example.com ::1",
		"Example.COM 2.2.2.2",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(path, zaptest.NewLogger(t))

	addrs, err := s.Lookup("example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 2 || addrs[0].String() != "1.1.1.1" || addrs[1].String() != "2.2.2.2" {
		t.Errorf("Lookup() = %v, want [1.1.1.1 2.2.2.2]", addrs)
	}
}

func TestAll(t *testing.T) {
	s := newTestStore(t)
	s.Record("a.example", netip.MustParseAddr("10.0.0.1"))
	s.Record("b.example", netip.MustParseAddr("10.0.0.2"))
	s.Record("a.example", netip.MustParseAddr("10.0.0.3"))

	all, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || len(all["a.example"]) != 2 || len(all["b.example"]) != 1 {
		t.Errorf("All() = %v", all)
	}
}

func TestLookupUnreadableFile(t *testing.T) {
	dir := t.TempDir()
	// a directory cannot be scanned as a record file
	s := New(dir, zaptest.NewLogger(t))

	if _, err := s.Lookup("example.com"); err == nil {
		t.Error("Lookup() on a directory succeeded, want error")
	}
	if _, err := s.Record("example.com", netip.MustParseAddr("1.2.3.4")); err == nil {
		t.Error("Record() on a directory succeeded, want error")
	}
}

func TestConcurrentRecord(t *testing.T) {
	s := newTestStore(t)
	addrs := []netip.Addr{
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("10.0.0.2"),
		netip.MustParseAddr("10.0.0.3"),
		netip.MustParseAddr("10.0.0.4"),
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Record("example.com", addrs[i%len(addrs)]); err != nil {
				t.Error(err)
			}
			if _, err := s.Lookup("example.com"); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.Lookup("example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(addrs) {
		t.Errorf("Lookup() = %v, want %d addresses", got, len(addrs))
	}
	data, _ := os.ReadFile(s.path)
	if lines := strings.Count(string(data), "\n"); lines != len(addrs) {
		t.Errorf("file has %d lines, want %d", lines, len(addrs))
	}
}
