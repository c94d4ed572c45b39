package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
	"go.uber.org/zap"
)

func testOptions(baseURL string) Options {
	return Options{
		BaseURL:    baseURL,
		Timeout:    2 * time.Second,
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		Logger:     zap.NewNop(),
	}
}

func TestCloudflareGetVideoNormalizesDescriptor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/accounts/acct-1/stream/vid-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token-1" {
			t.Errorf("missing bearer token")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"errors":[],"result":{"uid":"vid-1","readyToStream":true,"thumbnail":"https://thumb","status":{"state":"inprogress","pctComplete":"42.5"}}}`))
	}))
	defer server.Close()

	gateway, err := NewCloudflareGateway(CloudflareCredentials{AccountID: "acct-1", APIToken: "token-1", CustomerSubdomain: "customer-x.cloudflarestream.com"}, testOptions(server.URL))
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	descriptor, err := gateway.GetVideo(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("get video failed: %v", err)
	}
	if !descriptor.ReadyToStream || descriptor.PctComplete != 42.5 {
		t.Fatalf("unexpected descriptor %+v", descriptor)
	}
	if media.Evaluate(descriptor) != media.StatusPending {
		t.Fatalf("expected partially encoded video to stay pending")
	}
	if descriptor.Routing.CustomerSubdomain != "customer-x.cloudflarestream.com" {
		t.Fatalf("expected routing datum to be carried, got %+v", descriptor.Routing)
	}
}

func TestCloudflareDeleteClassifiesNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"errors":[{"code":10003,"message":"Not Found"}]}`))
	}))
	defer server.Close()

	gateway, err := NewCloudflareGateway(CloudflareCredentials{AccountID: "acct", APIToken: "tok"}, testOptions(server.URL))
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	err = gateway.DeleteVideo(context.Background(), "gone")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if PolicyFor(err) != PolicyAssumeGone {
		t.Fatalf("expected assume-gone policy, got %s", PolicyFor(err))
	}
}

func TestTransientFailuresAreRetriedThenClassified(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	gateway, err := NewBunnyGateway(BunnyCredentials{LibraryID: "lib", APIKey: "key"}, testOptions(server.URL))
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	_, err = gateway.GetVideo(context.Background(), "vid")
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if PolicyFor(err) != PolicyAssumeExists {
		t.Fatalf("expected assume-exists policy, got %s", PolicyFor(err))
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected one retry (2 calls), got %d", got)
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	opts := testOptions(server.URL)
	opts.Timeout = 50 * time.Millisecond
	opts.MaxRetries = -1
	gateway, err := NewBunnyGateway(BunnyCredentials{LibraryID: "lib", APIKey: "key"}, opts)
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	_, err = gateway.GetVideo(context.Background(), "vid")
	if Classify(err) != ClassTransient {
		t.Fatalf("expected timeout to classify as transient, got %v", err)
	}
}

func TestTimeoutBoundsRetriesAndBackoff(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	opts := testOptions(server.URL)
	opts.Timeout = 150 * time.Millisecond
	opts.MaxRetries = 5
	opts.BaseDelay = 100 * time.Millisecond
	opts.MaxDelay = time.Second
	gateway, err := NewBunnyGateway(BunnyCredentials{LibraryID: "lib", APIKey: "key"}, opts)
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	started := time.Now()
	_, err = gateway.GetVideo(context.Background(), "vid")
	elapsed := time.Since(started)
	if Classify(err) != ClassTransient {
		t.Fatalf("expected transient error, got %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("expected the whole operation to stop near the timeout, took %s", elapsed)
	}
	if got := atomic.LoadInt32(&calls); got >= 6 {
		t.Fatalf("expected retries to be cut short, got %d calls", got)
	}
}

func TestBunnyGetVideoAndCollections(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/library/lib-9/videos/vid-7", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("AccessKey") != "key-9" {
			t.Errorf("missing access key")
		}
		_, _ = w.Write([]byte(`{"guid":"vid-7","status":4,"encodeProgress":100,"thumbnailFileName":"thumbnail.jpg"}`))
	})
	mux.HandleFunc("/library/lib-9/collections", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"totalItems":2,"items":[{"guid":"c1","name":"Intro","videoCount":3},{"guid":"c2","name":"Talks","videoCount":0}]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	gateway, err := NewBunnyGateway(BunnyCredentials{LibraryID: "lib-9", APIKey: "key-9", CDNHostname: "vz-1.b-cdn.net"}, testOptions(server.URL))
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	descriptor, err := gateway.GetVideo(context.Background(), "vid-7")
	if err != nil {
		t.Fatalf("get video failed: %v", err)
	}
	if media.Evaluate(descriptor) != media.StatusReady {
		t.Fatalf("expected finished video to be ready, got %+v", descriptor)
	}
	if descriptor.Thumbnail != "https://vz-1.b-cdn.net/vid-7/thumbnail.jpg" {
		t.Fatalf("unexpected thumbnail %s", descriptor.Thumbnail)
	}

	collections, err := gateway.ListCollections(context.Background())
	if err != nil {
		t.Fatalf("list collections failed: %v", err)
	}
	if len(collections) != 2 || collections[0].Name != "Intro" {
		t.Fatalf("unexpected collections %+v", collections)
	}
}

func TestRejectedCredentialsAreConfigErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	gateway, err := NewBunnyGateway(BunnyCredentials{LibraryID: "lib", APIKey: "bad"}, testOptions(server.URL))
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	_, err = gateway.ListCollections(context.Background())
	if Classify(err) != ClassConfig || PolicyFor(err) != PolicyFailed {
		t.Fatalf("expected config classification, got %v", err)
	}

	if _, err := NewCloudflareGateway(CloudflareCredentials{AccountID: "acct"}, Options{}); Classify(err) != ClassConfig {
		t.Fatalf("expected missing token to be a config error, got %v", err)
	}
}
