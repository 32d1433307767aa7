package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("unexpected id length: %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("ids not monotonic: %s >= %s", a, b)
	}
}

func TestLotCodeFormat(t *testing.T) {
	at := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	code := LotCode(at)
	if !strings.HasPrefix(code, "LOT-20261018-") {
		t.Fatalf("unexpected lot code: %s", code)
	}
	if len(code) != len("LOT-20261018-")+6 {
		t.Fatalf("unexpected lot code length: %s", code)
	}
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		c := LotCode(at)
		if seen[c] {
			t.Fatalf("duplicate lot code %s", c)
		}
		seen[c] = true
	}
}

func TestLotCodeUsesLocalDay(t *testing.T) {
	bogota := time.FixedZone("COT", -5*60*60)
	at := time.Date(2026, 5, 5, 2, 0, 0, 0, time.UTC)
	if code := LotCode(at.In(bogota)); !strings.HasPrefix(code, "LOT-20260504-") {
		t.Fatalf("expected clinic-local date, got %s", code)
	}
	if code := LotCode(at); !strings.HasPrefix(code, "LOT-20260505-") {
		t.Fatalf("expected UTC date, got %s", code)
	}
}

func TestTrayCodeFormat(t *testing.T) {
	code := TrayCode(time.Now())
	if !strings.HasPrefix(code, "BDJ-") || len(code) != 30 {
		t.Fatalf("unexpected tray code: %s", code)
	}
}
