package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/treedoc/internal/api"
	"github.com/example/treedoc/internal/crdt"
)

// Client talks to the document HTTP API of one server.
type Client struct {
	base     string
	document string
	clientID string
	http     *http.Client
}

// NewClient returns a client for document on the server at baseURL.
func NewClient(baseURL, document, clientID string, timeout time.Duration) *Client {
	return &Client{
		base:     strings.TrimRight(baseURL, "/"),
		document: document,
		clientID: clientID,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) url(route string) string {
	return fmt.Sprintf("%s/api/crdt/documents/%s/%s", c.base, url.PathEscape(c.document), route)
}

// Document returns the visible text.
func (c *Client) Document(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodGet, c.url("document"), nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Nodes lists every node, or only tombstones when deleted is set.
func (c *Client) Nodes(ctx context.Context, deleted bool) ([]crdt.Node, error) {
	route := "nodes"
	if deleted {
		route = "deleted"
	}
	var nodes []crdt.Node
	if err := c.doJSON(ctx, http.MethodGet, c.url(route), nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Insert adds value under parent and returns the new node id.
func (c *Client) Insert(ctx context.Context, value, parent string) (string, error) {
	var resp api.InsertResponse
	if err := c.doJSON(ctx, http.MethodPost, c.url("insert"), api.InsertRequest{Value: value, ParentID: parent}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Delete tombstones the node with the given composite id.
func (c *Client) Delete(ctx context.Context, id string) (bool, error) {
	var resp api.DeleteResponse
	if err := c.doJSON(ctx, http.MethodPost, c.url("delete"), api.DeleteRequest{ID: id}, &resp); err != nil {
		return false, err
	}
	return resp.Deleted, nil
}

// Position returns the id of the character at index.
func (c *Client) Position(ctx context.Context, index int) (string, error) {
	var resp api.PositionResponse
	if err := c.doJSON(ctx, http.MethodGet, c.url(fmt.Sprintf("position/%d", index)), nil, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) doJSON(ctx context.Context, method, target string, in, out any) error {
	var payload []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = data
	}
	body, err := c.do(ctx, method, target, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.clientID != "" {
		req.Header.Set("X-Client-ID", c.clientID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, &StatusError{Code: resp.StatusCode, Message: apiErr.Error}
		}
		return nil, &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// StatusError is a non-200 answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}
