package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordBackup(t *testing.T) {
	c := backupAttemptsTotal.WithLabelValues("test-backup", ResultSuccess)
	before := testutil.ToFloat64(c)

	RecordBackup("test-backup", ResultSuccess, time.Second)

	if got := testutil.ToFloat64(c); got != before+1 {
		t.Errorf("attempts = %v, want %v", got, before+1)
	}
}

func TestRecordUploaded(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	c := uploadedBytesTotal.WithLabelValues("test-upload")
	before := testutil.ToFloat64(c)

	RecordUploaded("test-upload", 2048, at)

	if got := testutil.ToFloat64(c); got != before+2048 {
		t.Errorf("bytes = %v, want %v", got, before+2048)
	}
	if got := testutil.ToFloat64(lastSuccessTimestamp.WithLabelValues("test-upload")); got != float64(at.Unix()) {
		t.Errorf("last success = %v", got)
	}
}

func TestRecordRestore(t *testing.T) {
	c := restoresTotal.WithLabelValues("test-restore", ResultFailure)
	before := testutil.ToFloat64(c)

	RecordRestore("test-restore", ResultFailure)

	if got := testutil.ToFloat64(c); got != before+1 {
		t.Errorf("restores = %v, want %v", got, before+1)
	}
}

func TestSetProgress(t *testing.T) {
	SetProgress("test-progress", 0.25)
	if got := testutil.ToFloat64(uploadProgress.WithLabelValues("test-progress")); got != 0.25 {
		t.Errorf("progress = %v, want 0.25", got)
	}
}
