package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(SendResults.WithLabelValues("sent"))
	SendResults.WithLabelValues("sent").Inc()
	if got := testutil.ToFloat64(SendResults.WithLabelValues("sent")); got != before+1 {
		t.Errorf("Expected %v, got %v", before+1, got)
	}
}

func TestHandlerExposesInstruments(t *testing.T) {
	ObservePoolWait("imap", 20*time.Millisecond)
	FolderResets.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, name := range []string{"mailsync_pool_wait_seconds", "mailsync_folder_resets_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("Expected %s in metrics output", name)
		}
	}
}
