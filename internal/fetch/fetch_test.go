package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/tradewind/marketsync/internal/identity"
	"github.com/tradewind/marketsync/internal/types"
)

func testFetcher(t *testing.T, opts Options) *Fetcher {
	t.Helper()
	pool := identity.NewPool(identity.Options{
		UserAgents:   []string{"test-agent"},
		HostQPS:      1000,
		HostBurst:    1000,
		AcquireWait:  time.Second,
		CooldownBase: time.Nanosecond,
		CooldownMax:  time.Nanosecond,
	}, nil)
	return New(opts, pool, nil)
}

func TestFetchSuccess(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	f := testFetcher(t, Options{})
	resp, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/page"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "hello") {
		t.Errorf("body = %q", resp.Body)
	}
	if gotUA != "test-agent" {
		t.Errorf("user-agent = %q, want identity agent", gotUA)
	}
	if resp.Identity == nil {
		t.Error("response identity not set")
	}
}

func TestFetchClassifiesStatuses(t *testing.T) {
	tests := []struct {
		status int
		kind   types.FetchKind
	}{
		{http.StatusTooManyRequests, types.FetchTooManyRequests},
		{http.StatusForbidden, types.FetchForbidden},
		{http.StatusNotFound, types.FetchNotFound},
		{http.StatusInternalServerError, types.FetchServerError},
		{http.StatusBadGateway, types.FetchServerError},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		f := testFetcher(t, Options{})
		_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
		srv.Close()

		var fe *types.FetchError
		if !errors.As(err, &fe) {
			t.Errorf("status %d: err = %v, want FetchError", tt.status, err)
			continue
		}
		if fe.Kind != tt.kind {
			t.Errorf("status %d: kind = %q, want %q", tt.status, fe.Kind, tt.kind)
		}
		if fe.StatusCode != tt.status {
			t.Errorf("status %d: code = %d", tt.status, fe.StatusCode)
		}
	}
}

func TestFetchDecodesGBK(t *testing.T) {
	title := "不锈钢水杯"
	encoded, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte("<html><body>" + title + "</body></html>"))
	if err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=gbk")
		w.Write(encoded)
	}))
	defer srv.Close()

	f := testFetcher(t, Options{})
	resp, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !strings.Contains(string(resp.Body), title) {
		t.Errorf("body not decoded to UTF-8: %q", resp.Body)
	}
}

func TestFetchDetectsCaptchaPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>Please verify you are human. captcha below.</body></html>"))
	}))
	defer srv.Close()

	f := testFetcher(t, Options{})
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	var fe *types.FetchError
	if !errors.As(err, &fe) || fe.Kind != types.FetchCaptcha {
		t.Errorf("err = %v, want captcha FetchError", err)
	}
}

func TestFetchRespectsRobots(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := testFetcher(t, Options{RespectRobots: true})

	if _, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/public/page"}); err != nil {
		t.Errorf("allowed path failed: %v", err)
	}

	_, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/private/page"})
	if !errors.Is(err, types.ErrRobotsDisallowed) {
		t.Errorf("disallowed path = %v, want ErrRobotsDisallowed", err)
	}

	// Per-request override.
	if _, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/private/page", IgnoreRobots: true}); err != nil {
		t.Errorf("ignore-robots fetch failed: %v", err)
	}
}

func TestFetchBadURL(t *testing.T) {
	f := testFetcher(t, Options{})
	_, err := f.Fetch(context.Background(), Request{URL: "not a url"})
	var fe *types.FetchError
	if !errors.As(err, &fe) || fe.Kind != types.FetchMalformed {
		t.Errorf("err = %v, want malformed FetchError", err)
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := testFetcher(t, Options{})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		f.Fetch(ctx, Request{URL: srv.URL})
	}

	_, err := f.Fetch(ctx, Request{URL: srv.URL})
	var fe *types.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FetchError", err)
	}
	// The open breaker short-circuits to a connect-class error.
	if fe.Kind != types.FetchConnectRefused {
		t.Errorf("kind = %q, want connect_refused from open breaker", fe.Kind)
	}
}
