// Package api implements the client-side API for code wishing to interact
// with the stylize server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"

	"github.com/fxamacker/cbor/v2"

	"github.com/ollama/stylize/envconfig"
	"github.com/ollama/stylize/version"
)

const (
	contentTypeJSON = "application/json"
	contentTypeCBOR = "application/cbor"
)

// Client encapsulates client state for interacting with the stylize
// service. Use [ClientFromEnvironment] to create new Clients.
type Client struct {
	base *url.URL
	http *http.Client
}

// ClientFromEnvironment creates a new [Client] using configuration from the
// environment variable STYLIZE_HOST, which points to the network host and
// port on which the server listens.
func ClientFromEnvironment() (*Client, error) {
	return &Client{
		base: envconfig.Host(),
		http: http.DefaultClient,
	}, nil
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{
		base: base,
		http: http,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, reqData any, accept string) (*http.Request, error) {
	var body io.Reader
	if reqData != nil {
		bts, err := json.Marshal(reqData)
		if err != nil {
			return nil, err
		}

		body = bytes.NewReader(bts)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return nil, err
	}

	request.Header.Set("Content-Type", contentTypeJSON)
	request.Header.Set("Accept", accept)
	request.Header.Set("User-Agent", fmt.Sprintf("stylize/%s (%s %s) Go/%s", version.Version, runtime.GOARCH, runtime.GOOS, runtime.Version()))
	return request, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	return c.doAccept(ctx, method, path, contentTypeJSON, reqData, func(bts []byte) error {
		if respData == nil || len(bts) == 0 {
			return nil
		}

		return json.Unmarshal(bts, respData)
	})
}

func (c *Client) doAccept(ctx context.Context, method, path, accept string, reqData any, fn func([]byte) error) error {
	request, err := c.newRequest(ctx, method, path, reqData, accept)
	if err != nil {
		return err
	}

	respObj, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer respObj.Body.Close()

	respBody, err := io.ReadAll(respObj.Body)
	if err != nil {
		return err
	}

	if err := checkError(respObj, respBody); err != nil {
		return err
	}

	return fn(respBody)
}

func checkError(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	apiError := StatusError{StatusCode: resp.StatusCode, Status: resp.Status}

	var errorResponse ErrorResponse
	if err := json.Unmarshal(body, &errorResponse); err != nil || errorResponse.Message == "" {
		// response body was not an error message
		apiError.ErrorMessage = string(bytes.TrimSpace(body))
	} else {
		apiError.ErrorMessage = errorResponse.Message
	}

	return apiError
}

// Heartbeat checks if the server has started and is responsive; if yes, it
// returns nil, otherwise an error.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodHead, "/", nil, nil)
}

// Version returns the stylize server version as a string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var version VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &version); err != nil {
		return "", err
	}

	return version.Version, nil
}

// Styles lists the style catalog of the server.
func (c *Client) Styles(ctx context.Context) (*StylesResponse, error) {
	var lr StylesResponse
	if err := c.do(ctx, http.MethodGet, "/api/styles", nil, &lr); err != nil {
		return nil, err
	}
	return &lr, nil
}

// Models reports the engine state and the model assets of the server.
func (c *Client) Models(ctx context.Context) (*ModelsResponse, error) {
	var mr ModelsResponse
	if err := c.do(ctx, http.MethodGet, "/api/models", nil, &mr); err != nil {
		return nil, err
	}
	return &mr, nil
}

// Stylize applies a style to a content image and returns the encoded result.
func (c *Client) Stylize(ctx context.Context, req *StylizeRequest) (*StylizeResponse, error) {
	var resp StylizeResponse
	if err := c.do(ctx, http.MethodPost, "/api/stylize", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StylizeTensor is like [Client.Stylize] but returns the raw output tensor.
func (c *Client) StylizeTensor(ctx context.Context, req *StylizeRequest) (*Tensor, error) {
	var t Tensor
	if err := c.doAccept(ctx, http.MethodPost, "/api/stylize", contentTypeCBOR, req, func(bts []byte) error {
		return cbor.Unmarshal(bts, &t)
	}); err != nil {
		return nil, err
	}
	return &t, nil
}

// Descriptor returns the style descriptor of a style image.
func (c *Client) Descriptor(ctx context.Context, req *DescriptorRequest) (*DescriptorResponse, error) {
	var resp DescriptorResponse
	if err := c.do(ctx, http.MethodPost, "/api/descriptor", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
