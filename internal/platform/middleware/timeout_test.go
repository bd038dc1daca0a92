package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestRequestTimeout_CompletesWithinDeadline(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/samples", nil), httptest.NewRecorder())

	var deadline bool
	err := RequestTimeout(5*time.Second)(func(c echo.Context) error {
		_, deadline = c.Request().Context().Deadline()
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !deadline {
		t.Error("expected request context to carry a deadline")
	}
}

func TestRequestTimeout_ReturnsGatewayTimeout(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/results", nil), httptest.NewRecorder())

	err := RequestTimeout(20*time.Millisecond)(func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})(c)

	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if he.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", he.Code)
	}
}

func TestRequestTimeout_SkipsWebsocket(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/ws", nil), httptest.NewRecorder())

	err := RequestTimeout(time.Millisecond)(func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); ok {
			t.Error("expected no deadline on the websocket route")
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout_PassesOtherErrors(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/samples", nil), httptest.NewRecorder())

	err := RequestTimeout(time.Second)(func(echo.Context) error { return context.Canceled })(c)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
