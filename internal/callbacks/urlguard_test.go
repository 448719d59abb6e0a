package callbacks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

func TestValidateURLBlocksInternalTargets(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"localhost", "http://localhost:8080/hook"},
		{"localhost subdomain", "https://api.localhost/hook"},
		{"local suffix", "https://printer.local/hook"},
		{"internal suffix", "https://vault.corp.internal/hook"},
		{"metadata service", "http://metadata.google.internal/computeMetadata/v1/"},
		{"loopback v4", "http://127.0.0.1:9000/hook"},
		{"loopback v6", "http://[::1]:9000/hook"},
		{"private 10", "http://10.0.0.5/hook"},
		{"private 172", "http://172.16.4.2/hook"},
		{"private 192", "http://192.168.1.1/hook"},
		{"link local", "http://169.254.169.254/latest/meta-data/"},
		{"cgnat", "http://100.64.12.3/hook"},
		{"unspecified", "http://0.0.0.0/hook"},
		{"current network", "http://0.1.2.3/hook"},
		{"mapped v6 loopback", "http://[::ffff:127.0.0.1]/hook"},
		{"unique local v6", "http://[fd12:3456::1]/hook"},
		{"ftp scheme", "ftp://files.example.com/hook"},
		{"missing host", "https:///hook"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(context.Background(), tt.url)
			if !errors.Is(err, ErrBlockedURL) {
				t.Errorf("ValidateURL(%q) = %v, want ErrBlockedURL", tt.url, err)
			}
		})
	}
}

func TestValidateURLAllowsPublicAddresses(t *testing.T) {
	// IP literals keep the test off DNS.
	for _, raw := range []string{
		"https://93.184.216.34/hook",
		"http://[2606:2800:220:1::]/hook",
	} {
		if err := ValidateURL(context.Background(), raw); err != nil {
			t.Errorf("ValidateURL(%q) = %v, want nil", raw, err)
		}
	}
}

func TestValidateURLTrailingDotHost(t *testing.T) {
	err := ValidateURL(context.Background(), "http://localhost.:8080/hook")
	if !errors.Is(err, ErrBlockedURL) {
		t.Errorf("trailing dot bypassed the blocklist: %v", err)
	}
}

func TestDispatchPublicOnlyRejectsLoopback(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := storage.NewMemoryCallbackStore()
	d := NewDispatcher(store, WithPublicTargetsOnly())

	err := d.Dispatch(context.Background(), "cb-1", "workflow.done", srv.URL, "secret", nil)
	if !errors.Is(err, ErrBlockedURL) {
		t.Fatalf("expected ErrBlockedURL, got %v", err)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("blocked target was contacted %d times", n)
	}

	deliveries, err := store.ListByCallback(context.Background(), "cb-1")
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 recorded delivery, got %d", len(deliveries))
	}
	if deliveries[0].Status != models.DeliveryFailed || deliveries[0].Error == "" {
		t.Errorf("rejection not recorded on the delivery: %+v", deliveries[0])
	}
}
