package moonraker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSDialer_httpURL(t *testing.T) {
	tests := []struct {
		name    string
		d       WSDialer
		want    string
		wantErr bool
	}{
		{"ws", WSDialer{Endpoint: "ws://voron.local:7125/websocket"}, "http://voron.local:7125/server/files/upload", false},
		{"wss", WSDialer{Endpoint: "wss://voron.local/websocket?x=1"}, "https://voron.local/server/files/upload", false},
		{"http", WSDialer{Endpoint: "http://10.0.0.5:7125"}, "http://10.0.0.5:7125/server/files/upload", false},
		{"oneshot", WSDialer{Endpoint: "ws://h/websocket", Token: "abc", TokenType: TokenOneshot}, "http://h/server/files/upload?token=abc", false},
		{"api key is not in the url", WSDialer{Endpoint: "ws://h/websocket", Token: "abc"}, "http://h/server/files/upload", false},
		{"bad scheme", WSDialer{Endpoint: "ftp://h"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.d.httpURL(uploadPath)
			if (err != nil) != tt.wantErr {
				t.Fatalf("httpURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWSDialer_Upload(t *testing.T) {
	type seen struct {
		path, apiKey    string
		root, dir, prnt string
		name, body      string
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var s seen
		s.path = r.URL.Path
		s.apiKey = r.Header.Get("X-Api-Key")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.root, s.dir, s.prnt = r.FormValue("root"), r.FormValue("path"), r.FormValue("print")
		f, fh, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b, _ := io.ReadAll(f)
		s.name, s.body = fh.Filename, string(b)
		got <- s
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"result":{"item":{"path":"parts/cube.gcode","root":"gcodes"},"print_started":true,"print_queued":false,"action":"create_file"}}`)
	}))
	defer srv.Close()

	d := &WSDialer{Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http") + "/websocket", Token: "k3y"}
	res, err := d.Upload(context.Background(), Upload{
		Name:  "cube.gcode",
		Dir:   "parts",
		Print: true,
		Body:  strings.NewReader("G28\nG1 X10\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "parts/cube.gcode", res.Item.Path)
	assert.Equal(t, "gcodes", res.Item.Root)
	assert.True(t, res.PrintStarted)
	assert.Equal(t, "create_file", res.Action)

	s := <-got
	assert.Equal(t, seen{
		path: "/server/files/upload", apiKey: "k3y",
		root: "gcodes", dir: "parts", prnt: "true",
		name: "cube.gcode", body: "G28\nG1 X10\n",
	}, s)
}

func TestWSDialer_Upload_rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"code":400,"message":"Invalid file extension"}}`)
	}))
	defer srv.Close()

	d := &WSDialer{Endpoint: srv.URL}
	_, err := d.Upload(context.Background(), Upload{Name: "cube.txt", Body: strings.NewReader("x")})
	var re *RPCError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 400, re.Code)
	assert.Equal(t, "Invalid file extension", re.Message)

	_, err = d.Upload(context.Background(), Upload{Name: "cube.gcode"})
	assert.Error(t, err, "no body")
}

func Test_decodeUpload(t *testing.T) {
	res, err := decodeUpload([]byte(`{"item":{"path":"a.gcode","root":"gcodes"},"action":"create_file"}`))
	require.NoError(t, err)
	assert.Equal(t, "a.gcode", res.Item.Path)

	_, err = decodeUpload([]byte(`<html>`))
	assert.Error(t, err)
}
