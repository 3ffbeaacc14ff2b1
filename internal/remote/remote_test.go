package remote

import (
	"context"
	"errors"
	"testing"
)

func TestProgressMonotonic(t *testing.T) {
	var got []float64
	p := NewProgress(func(f float64) { got = append(got, f) })

	for _, f := range []float64{0, 0.2, 0.1, 0.2, 0.5, 1.3, 0.9} {
		p.Report(f)
	}

	want := []float64{0, 0.2, 0.5, 1}
	if len(got) != len(want) {
		t.Fatalf("reports = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("report[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestProgressNilFunc(t *testing.T) {
	p := NewProgress(nil)
	p.Report(0.5) // must not panic
}

func TestJoin(t *testing.T) {
	if got := Join("wallet-abc", "wallet-backup.zip"); got != "wallet-abc/wallet-backup.zip" {
		t.Errorf("Join = %q", got)
	}
}

func TestNoSurfaceCancels(t *testing.T) {
	_, err := NoSurface.RequestCredentials(context.Background(), "s3")
	if !errors.Is(err, ErrAuthCancelled) {
		t.Errorf("err = %v, want ErrAuthCancelled", err)
	}
}
