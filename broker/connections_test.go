// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/exthost/lib/apierror"
	"github.com/bureau-foundation/exthost/lib/testutil"
)

type getResult struct {
	info ConnectionInfo
	err  error
}

func connectionGet(b *Broker, ctx context.Context, token, method, route string) <-chan getResult {
	results := make(chan getResult, 1)
	go func() {
		info, err := b.ConnectionGet(ctx, token, method, route)
		results <- getResult{info, err}
	}()
	return results
}

func TestClaimOnceThenBusy(t *testing.T) {
	f := newFixture(t, map[string]string{"web": ""})
	token := f.register(t, "web")
	results := connectionGet(f.broker, context.Background(), token, "GET", "/items/.*")
	waitForRegistrations(t, f.broker, 1)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/web/items/42?full=1", strings.NewReader("body"))
	if _, status := f.broker.Claim("web", recorder, request, "/items/43"); status != ClaimOK {
		t.Fatalf("claim status = %v", status)
	}
	result := testutil.RequireReceive(t, results, 5*time.Second, "claimed connection")
	if result.err != nil {
		t.Fatal(result.err)
	}

	second := httptest.NewRequest(http.MethodGet, "/web/items/42", nil)
	if _, status := f.broker.Claim("web", httptest.NewRecorder(), second, "/items/42"); status != ClaimBusy {
		t.Errorf("second claim status = %v, want busy", status)
	}
	if _, status := f.broker.Claim("web", httptest.NewRecorder(), second, "/other"); status != ClaimNone {
		t.Errorf("non-matching claim status = %v, want none", status)
	}
	if _, status := f.broker.Claim("elsewhere", httptest.NewRecorder(), second, "/items/42"); status != ClaimNone {
		t.Errorf("other extension claim status = %v, want none", status)
	}
	if result.info.Path != "/items/43" || result.info.Method != http.MethodGet || result.info.RouteRegex != "/items/.*" {
		t.Errorf("info = %+v", result.info)
	}
}

func TestConnectionResponse(t *testing.T) {
	f := newFixture(t, map[string]string{"web": "", "other": ""})
	token := f.register(t, "web")
	other := f.register(t, "other")
	results := connectionGet(f.broker, context.Background(), token, "POST|PUT", "/echo$")
	waitForRegistrations(t, f.broker, 1)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPut, "/web/echo", strings.NewReader("ping"))
	request.Header.Set("X-Trace", "abc")
	claim, status := f.broker.Claim("web", recorder, request, "/echo")
	if status != ClaimOK {
		t.Fatalf("claim status = %v", status)
	}
	result := testutil.RequireReceive(t, results, 5*time.Second, "claimed connection")
	if result.err != nil {
		t.Fatal(result.err)
	}
	handle := result.info.Handle
	if http.Header(result.info.Headers).Get("X-Trace") != "abc" {
		t.Errorf("headers = %v", result.info.Headers)
	}

	_, err := f.broker.ConnectionRead(other, handle, 10)
	requireKind(t, err, apierror.KindNotFound)
	_, err = f.broker.ConnectionWrite(token, handle, []byte("early"))
	requireKind(t, err, apierror.KindInvalidArgument)

	body, err := f.broker.ConnectionRead(token, handle, -1)
	if err != nil || string(body) != "ping" {
		t.Fatalf("ConnectionRead = %q, %v", body, err)
	}
	requireKind(t, f.broker.ConnectionBeginResponse(token, handle, 201, []Header{{"Bad\nName", "x"}}), apierror.KindInvalidArgument)
	if err := f.broker.ConnectionBeginResponse(token, handle, 201, []Header{{"Content-Type", "text/plain"}}); err != nil {
		t.Fatal(err)
	}
	requireKind(t, f.broker.ConnectionBeginResponse(token, handle, 200, nil), apierror.KindInvalidArgument)
	if _, err := f.broker.ConnectionWrite(token, handle, []byte("pong")); err != nil {
		t.Fatal(err)
	}
	if err := f.broker.ConnectionClose(token, handle); err != nil {
		t.Fatal(err)
	}
	testutil.RequireClosed(t, claim.Done(), 5*time.Second, "claim done after close")
	f.broker.Release(claim)

	_, err = f.broker.ConnectionWrite(token, handle, []byte("late"))
	requireKind(t, err, apierror.KindNotFound)
	if recorder.Code != 201 || recorder.Body.String() != "pong" || recorder.Header().Get("Content-Type") != "text/plain" {
		t.Errorf("response = %d %q %v", recorder.Code, recorder.Body.String(), recorder.Header())
	}
	if _, status := f.broker.Claim("web", httptest.NewRecorder(), request, "/echo"); status != ClaimNone {
		t.Errorf("claim after release = %v, want none", status)
	}
}

func TestConnectionGetCancelled(t *testing.T) {
	f := newFixture(t, map[string]string{"web": ""})
	token := f.register(t, "web")
	ctx, cancel := context.WithCancel(context.Background())
	results := connectionGet(f.broker, ctx, token, "GET", "/")
	waitForRegistrations(t, f.broker, 1)

	cancel()
	result := testutil.RequireReceive(t, results, 5*time.Second, "cancelled connection_get")
	requireKind(t, result.err, apierror.KindTransport)

	request := httptest.NewRequest(http.MethodGet, "/web/", nil)
	if _, status := f.broker.Claim("web", httptest.NewRecorder(), request, "/"); status != ClaimNone {
		t.Errorf("claim after cancel = %v, want none", status)
	}
}

func TestConnectionGetRejectsBadRegex(t *testing.T) {
	f := newFixture(t, map[string]string{"web": ""})
	token := f.register(t, "web")
	_, err := f.broker.ConnectionGet(context.Background(), token, "GET", "/items/(")
	requireKind(t, err, apierror.KindInvalidArgument)
}
