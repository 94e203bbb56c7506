// Package rop is the client side of the remote object protocol. Every
// property read or write is one round trip to the lab server; nothing is
// cached locally.
package rop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/OChRA-lab/ochra-sub000/protocol"
)

// Document is a raw entity as returned by the lab server.
type Document map[string]json.RawMessage

// Str returns a string field, or "" when absent or not a string.
func (d Document) Str(field string) string {
	var s string
	if raw, ok := d[field]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func (d Document) ID() string { return d.Str(protocol.FieldID) }

// Client is a connection to one lab server. A Client carries a session id
// used as the caller of method calls and as the holder of station locks.
type Client struct {
	baseURL    string
	apiKey     string
	sessionID  string
	httpClient *http.Client
}

// NewClient connects to the lab server at baseURL. A zero timeout means 30s.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		sessionID:  uuid.NewString(),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// WithSession returns a copy of the client acting as another session.
func (c *Client) WithSession(sessionID string) *Client {
	cp := *c
	cp.sessionID = sessionID
	return &cp
}

func (c *Client) SessionID() string { return c.sessionID }
func (c *Client) BaseURL() string   { return c.baseURL }

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindTransport, err, "build request")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

// send performs req and returns the response body. Error responses are
// converted back into classified errors.
func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindTransport, err, fmt.Sprintf("%s %s", req.Method, req.URL.Path))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindTransport, err, "read response")
	}
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeError(code int, data []byte) error {
	var eb protocol.ErrorBody
	if json.Unmarshal(data, &eb) != nil || eb.Error == "" {
		eb.Error = strings.TrimSpace(string(data))
	}
	return protocol.ErrorFromStatus(code, eb)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return protocol.Wrap(protocol.KindConstruction, err, "encode request")
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	data, err := c.send(req)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return protocol.Wrap(protocol.KindTransport, err, "decode response")
	}
	return nil
}

func entityPath(collection, id string, rest ...string) string {
	parts := append([]string{"", url.PathEscape(collection), url.PathEscape(id)}, rest...)
	return strings.Join(parts, "/")
}

// Construct stores obj in collection and returns the assigned id.
func (c *Client) Construct(ctx context.Context, collection string, obj any) (string, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", protocol.Wrap(protocol.KindConstruction, err, "encode "+collection)
	}
	var resp protocol.ConstructResponse
	err = c.doJSON(ctx, http.MethodPut, "/"+url.PathEscape(collection)+"/construct",
		protocol.ConstructRequest{Object: raw}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Get fetches a whole entity by id or name.
func (c *Client) Get(ctx context.Context, collection, identifier string) (Document, error) {
	var doc Document
	if err := c.doJSON(ctx, http.MethodGet, entityPath(collection, identifier), nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// GetProperty decodes one field of an entity into out.
func (c *Client) GetProperty(ctx context.Context, collection, id, name string, out any) error {
	var resp protocol.PropertyResponse
	path := entityPath(collection, id, "get_property", url.PathEscape(name))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Value, out); err != nil {
		return protocol.Wrap(protocol.KindTransport, err, fmt.Sprintf("decode %s.%s", collection, name))
	}
	return nil
}

// Patch applies a structural update to one field.
func (c *Client) Patch(ctx context.Context, collection, id, name string, kind protocol.PatchType, value any, args *protocol.PatchArgs) error {
	var raw json.RawMessage
	if value != nil {
		data, err := json.Marshal(value)
		if err != nil {
			return protocol.Wrap(protocol.KindInvalidPatch, err, "encode "+name)
		}
		raw = data
	}
	req := protocol.PatchRequest{Property: name, Value: raw, PatchType: kind, PatchArgs: args}
	return c.doJSON(ctx, http.MethodPatch, entityPath(collection, id, "modify_property"), req, nil)
}

// SetProperty replaces one field.
func (c *Client) SetProperty(ctx context.Context, collection, id, name string, value any) error {
	if value == nil {
		value = json.RawMessage("null")
	}
	return c.Patch(ctx, collection, id, name, protocol.PatchSet, value, nil)
}

// CallMethod records a method call as an Operation. The method runs later
// on the owning station.
func (c *Client) CallMethod(ctx context.Context, collection, id, method string, args map[string]any) (*protocol.Operation, error) {
	req := protocol.CallRequest{Method: method, Args: args, CallerID: c.sessionID}
	var op protocol.Operation
	if err := c.doJSON(ctx, http.MethodPost, entityPath(collection, id, "call_method"), req, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Find lists entities whose fields equal the given values.
func (c *Client) Find(ctx context.Context, collection string, filter map[string]string) ([]Document, error) {
	q := url.Values{}
	for k, v := range filter {
		q.Set(k, v)
	}
	path := "/" + url.PathEscape(collection)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var docs []Document
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	return c.doJSON(ctx, http.MethodDelete, entityPath(collection, id), nil, nil)
}

// LockStation checks the station out for this client's session.
func (c *Client) LockStation(ctx context.Context, stationID string) error {
	return c.doJSON(ctx, http.MethodPost, entityPath(protocol.CollectionStations, stationID, "lock"),
		protocol.LockRequest{SessionID: c.sessionID}, nil)
}

func (c *Client) UnlockStation(ctx context.Context, stationID string) error {
	return c.doJSON(ctx, http.MethodPost, entityPath(protocol.CollectionStations, stationID, "unlock"),
		protocol.LockRequest{SessionID: c.sessionID}, nil)
}

// PutData uploads the file at path as the payload of an operation result.
func (c *Client) PutData(ctx context.Context, resultID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPatch, entityPath(protocol.CollectionOperationResults, resultID, "put_data"), pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	_, err = c.send(req)
	return err
}

// GetData downloads the payload of an operation result into w and returns
// the file name the server reported.
func (c *Client) GetData(ctx context.Context, resultID string, w io.Writer) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, entityPath(protocol.CollectionOperationResults, resultID, "get_data"), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", protocol.Wrap(protocol.KindTransport, err, "get_data")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return "", decodeError(resp.StatusCode, data)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", protocol.Wrap(protocol.KindTransport, err, "read payload")
	}
	name := ""
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		name = params["filename"]
	}
	return name, nil
}

// Health checks the lab server is serving.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/api/health", nil, nil)
}

func decodeDocument(doc Document, v any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return protocol.Wrap(protocol.KindTransport, err, "encode document")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return protocol.Wrap(protocol.KindTransport, err, "decode document")
	}
	return nil
}
