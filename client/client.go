// Package client is a Go consumer of the collabdocs API: a thin HTTP
// wrapper plus the polling reconciler that keeps a local view of a
// document converged with the server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Document mirrors the API's document projection.
type Document struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	Slug       string    `json:"slug"`
	Type       string    `json:"type"`
	Tags       string    `json:"tags"`
	LibraryID  int64     `json:"libraryId"`
	UpdatedAt  time.Time `json:"updatedAt"`
	AccessRole string    `json:"accessRole"`
}

// Block mirrors the API's block projection.
type Block struct {
	ID       int64  `json:"id"`
	DocID    int64  `json:"docId"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	Position int    `json:"position"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// Client calls the collabdocs API carrying the session and
// anti-forgery tokens issued at login.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
	csrf    string
}

// New creates a client for the API at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.csrf != "" && method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", c.csrf)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		return &APIError{Status: resp.StatusCode, Code: envelope.Code, Message: envelope.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Login authenticates and stores the issued tokens on the client.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var resp struct {
		Token     string `json:"token"`
		CSRFToken string `json:"csrfToken"`
	}
	err := c.do(ctx, http.MethodPost, "/api/session/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return err
	}
	c.token = resp.Token
	c.csrf = resp.CSRFToken
	return nil
}

// Logout revokes the session on the server and clears the tokens.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/api/session/logout", nil, nil)
	c.token, c.csrf = "", ""
	return err
}

// ListDocuments returns the documents visible to the session.
func (c *Client) ListDocuments(ctx context.Context) ([]Document, error) {
	var resp struct {
		Docs []Document `json:"docs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/docs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Docs, nil
}

// UpdateDocument edits a document's title, tags, and library.
func (c *Client) UpdateDocument(ctx context.Context, docID int64, title, tags string, libraryID int64) (Document, error) {
	var doc Document
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/docs/%d", docID), map[string]any{
		"title":     title,
		"tags":      tags,
		"libraryId": libraryID,
	}, &doc)
	return doc, err
}

// FetchBlocks returns a document's blocks in display order.
func (c *Client) FetchBlocks(ctx context.Context, docID int64) ([]Block, error) {
	var resp struct {
		Blocks []Block `json:"blocks"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/docs/%d/blocks", docID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

// AddBlock appends a block to the document.
func (c *Client) AddBlock(ctx context.Context, docID int64, kind, content string) (Block, error) {
	var block Block
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/docs/%d/blocks", docID), map[string]string{
		"type":    kind,
		"content": content,
	}, &block)
	return block, err
}

// UpdateBlock replaces a block's content.
func (c *Client) UpdateBlock(ctx context.Context, docID, blockID int64, content string) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/docs/%d/blocks/%d", docID, blockID), map[string]string{
		"content": content,
	}, nil)
}

// ReorderBlocks submits the complete new block order.
func (c *Client) ReorderBlocks(ctx context.Context, docID int64, order []int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/docs/%d/blocks/reorder", docID), map[string]any{
		"order": order,
	}, nil)
}

// DeleteBlock removes a block from the document.
func (c *Client) DeleteBlock(ctx context.Context, docID, blockID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/docs/%d/blocks/%d", docID, blockID), nil, nil)
}

// Backlinks returns the documents linking to this one.
func (c *Client) Backlinks(ctx context.Context, docID int64) ([]Document, error) {
	var resp struct {
		Backlinks []Document `json:"backlinks"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/docs/%d/backlinks", docID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Backlinks, nil
}
