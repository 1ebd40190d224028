package moonraker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
)

const uploadPath = "/server/files/upload"

// Upload is a file to store on the host.
type Upload struct {
	Name  string    // file name on the host
	Root  string    // file root, "gcodes" if empty
	Dir   string    // directory under the root, optional
	Print bool      // start printing the file once it is stored
	Body  io.Reader // file contents
}

// UploadResult is the host reply to an upload.
type UploadResult struct {
	Item struct {
		Path string `json:"path"`
		Root string `json:"root"`
	} `json:"item"`
	PrintStarted bool   `json:"print_started"`
	PrintQueued  bool   `json:"print_queued"`
	Action       string `json:"action"`
}

// httpURL returns the HTTP URL of the API path on the endpoint host.
func (d *WSDialer) httpURL(path string) (string, error) {
	u, err := url.Parse(d.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path, u.RawPath = path, ""
	u.RawQuery = ""
	if d.Token != "" && d.TokenType == TokenOneshot {
		u.RawQuery = url.Values{"token": {d.Token}}.Encode()
	}
	return u.String(), nil
}

// Upload stores a file on the host.  The websocket API does not take files,
// so the upload is an HTTP request to the endpoint host with the dialer
// credentials.  A oneshot token is single use: it can't serve both the
// websocket and the upload.
func (d *WSDialer) Upload(ctx context.Context, up Upload) (UploadResult, error) {
	if up.Name == "" || up.Body == nil {
		return UploadResult{}, errors.New("upload: file name and body are required")
	}
	u, err := d.httpURL(uploadPath)
	if err != nil {
		return UploadResult{}, err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUpload(mw, up))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, pr)
	if err != nil {
		pr.Close()
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if d.Token != "" && d.TokenType == TokenAPIKey {
		req.Header.Set("X-Api-Key", d.Token)
	}
	cl := d.Client
	if cl == nil {
		cl = http.DefaultClient
	}
	resp, err := cl.Do(req)
	if err != nil {
		return UploadResult{}, &ConnectionError{Op: "upload", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return UploadResult{}, &ConnectionError{Op: "upload", Err: err}
	}
	if resp.StatusCode < 200 || 299 < resp.StatusCode {
		return UploadResult{}, uploadError(resp.StatusCode, body)
	}
	return decodeUpload(body)
}

func writeUpload(mw *multipart.Writer, up Upload) error {
	root := up.Root
	if root == "" {
		root = "gcodes"
	}
	if err := mw.WriteField("root", root); err != nil {
		return err
	}
	if up.Dir != "" {
		if err := mw.WriteField("path", up.Dir); err != nil {
			return err
		}
	}
	if up.Print {
		if err := mw.WriteField("print", "true"); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile("file", up.Name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, up.Body); err != nil {
		return err
	}
	return mw.Close()
}

// decodeUpload decodes the reply, with or without the {"result": ...}
// envelope.
func decodeUpload(body []byte) (UploadResult, error) {
	var env struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return UploadResult{}, fmt.Errorf("upload: decode reply: %w", err)
	}
	if env.Result != nil {
		body = env.Result
	}
	var res UploadResult
	if err := json.Unmarshal(body, &res); err != nil {
		return UploadResult{}, fmt.Errorf("upload: decode reply: %w", err)
	}
	return res, nil
}

func uploadError(status int, body []byte) error {
	e := &RPCError{Method: "upload", Code: status, Message: http.StatusText(status)}
	var env struct {
		Error *wireError `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil && env.Error != nil && env.Error.Message != "" {
		e.Message = env.Error.Message
	}
	return e
}
