package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestBearerAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := BearerAuthMiddleware("secret")(next)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{name: "без заголовка", header: "", want: http.StatusUnauthorized},
		{name: "неверный токен", header: "Bearer other", want: http.StatusUnauthorized},
		{name: "другая схема", header: "Basic secret", want: http.StatusUnauthorized},
		{name: "верный токен", header: "Bearer secret", want: http.StatusNoContent},
		{name: "схема в нижнем регистре", header: "bearer secret", want: http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: ожидали %d, получили %d", tc.name, tc.want, rec.Code)
		}
	}
}

func TestBearerAuthDisabledWithoutToken(t *testing.T) {
	called := false
	handler := BearerAuthMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatalf("без токена запрос должен проходить")
	}
}

func TestWriteErrorEscapesMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadRequest, errors.New(`bad "quote"`))
	if rec.Code != http.StatusBadRequest || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("неожиданный ответ: %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("ответ не JSON: %v", err)
	}
	if body.Error != `bad "quote"` {
		t.Fatalf("неожиданный текст ошибки: %q", body.Error)
	}
}

func TestServerHealthz(t *testing.T) {
	srv := NewServer(zerolog.Nop())
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
}
