package main

import (
	"bytes"
	"log"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestStopServerLogsUndrainedRequests(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	})}
	go srv.Serve(ln)
	go func() {
		res, err := http.Get("http://" + ln.Addr().String())
		if err == nil {
			res.Body.Close()
		}
	}()
	<-entered

	var buf bytes.Buffer
	stopServer(srv, 10*time.Millisecond, log.New(&buf, "", 0))
	close(release)
	if !strings.Contains(buf.String(), "shutdown: context deadline exceeded") {
		t.Fatalf("expected shutdown error to be logged, got %q", buf.String())
	}
}
