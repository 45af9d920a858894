package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dKB/rpc/common"
	"github.com/ValentinKolb/dKB/rpc/transport"
)

func NewHttpClientTransport() transport.IRPCClientTransport {
	return &httpClientTransport{}
}

type httpClientTransport struct {
	targets    []target
	clients    []*http.Client
	counter    uint32
	retryCount int
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *httpClientTransport) Connect(config common.ClientConfig) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints configured")
	}

	timeout := time.Duration(config.TimeoutSecond) * time.Second

	// Parse each server endpoint and create one client per endpoint
	targets := make([]target, len(config.Endpoints))
	clients := make([]*http.Client, len(config.Endpoints))
	for i, endpoint := range config.Endpoints {
		tgt, err := parseClientEndpoint(endpoint)
		if err != nil {
			return err
		}

		httpTransport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     timeout,
		}
		if tgt.socketPath != "" {
			socketPath := tgt.socketPath
			httpTransport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			}
		}

		targets[i] = tgt
		clients[i] = &http.Client{Transport: httpTransport, Timeout: timeout}
	}

	// Set the clients and targets
	t.targets = targets
	t.clients = clients
	t.counter = 0
	t.retryCount = max(config.RetryCount, 1)

	// No error
	return nil
}

func (t *httpClientTransport) Send(ctx context.Context, req transport.Request) (resp transport.Response, err error) {
	// Check if the transport is initialized
	if len(t.clients) == 0 {
		return resp, fmt.Errorf("http transport not initialized")
	}

	// Send the request (with retries), every attempt selects the next server via round-robin
	var httpResponse *http.Response
	for i := 0; i < t.retryCount; i++ {
		idx := atomic.AddUint32(&t.counter, 1) % uint32(len(t.clients))

		var httpRequest *http.Request
		httpRequest, err = http.NewRequestWithContext(ctx, req.Method, t.targets[idx].baseURL+req.Path, bytes.NewReader(req.Body))
		if err != nil {
			return resp, err
		}
		if req.ContentType != "" {
			httpRequest.Header.Set("Content-Type", req.ContentType)
			httpRequest.Header.Set("Accept", req.ContentType)
		}

		httpResponse, err = t.clients[idx].Do(httpRequest)
		if err == nil || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return resp, err
	}
	defer httpResponse.Body.Close()

	// Read the response body
	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return resp, err
	}

	return transport.Response{
		StatusCode:  httpResponse.StatusCode,
		ContentType: httpResponse.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (t *httpClientTransport) Close() error {
	// Close the clients
	for _, c := range t.clients {
		c.CloseIdleConnections()
	}

	// Reset the clients and targets
	t.clients = nil
	t.targets = nil

	return nil
}
