package httpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPostJSONSendsBody(t *testing.T) {
	var got, ctype string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		ctype = r.Header.Get("Content-Type")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, err := PostJSON(context.Background(), NewClient(time.Second), srv.URL, map[string]string{"target": "home"})
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "ok" {
		t.Errorf("response = %q", body)
	}
	if got != `{"target":"home"}` {
		t.Errorf("body = %q", got)
	}
	if ctype != "application/json" {
		t.Errorf("Content-Type = %q", ctype)
	}
}

func TestPostJSONStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "robot busy", http.StatusConflict)
	}))
	defer srv.Close()

	_, err := PostJSON(context.Background(), nil, srv.URL, map[string]int{"x": 1})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusConflict {
		t.Errorf("StatusCode = %d", se.StatusCode)
	}
	if se.Body != "robot busy" {
		t.Errorf("Body = %q", se.Body)
	}
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"cozmo"}`))
	}))
	defer srv.Close()

	var v struct{ Name string }
	if err := GetJSON(context.Background(), nil, srv.URL, &v); err != nil {
		t.Fatal(err)
	}
	if v.Name != "cozmo" {
		t.Errorf("Name = %q", v.Name)
	}
}
