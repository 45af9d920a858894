package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dKB/rpc/common"
	"github.com/ValentinKolb/dKB/rpc/serializer"
	"github.com/ValentinKolb/dKB/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("client")
)

// RequestError is returned if the server answers with an error status
type RequestError struct {
	StatusCode int
	Msg        string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Msg)
}

// rpcClientAdapter is a struct that stores all data needed for an implementation of an RPC client
type rpcClientAdapter struct {
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// invokeRPCRequest is a helper function used by all client methods to send requests
// It serializes req (if not nil), sends it to path and deserializes the response into a T.
// Error responses of the server are returned as *RequestError.
func invokeRPCRequest[T any](ctx context.Context, a *rpcClientAdapter, method, path string, req any) (*T, error) {
	// Serialize the request
	var reqBytes []byte
	if req != nil {
		var err error
		reqBytes, err = a.serializer.Serialize(req)
		if err != nil {
			return nil, err
		}
	}

	// Send the request
	resp, err := a.transport.Send(ctx, transport.Request{
		Method:      method,
		Path:        path,
		ContentType: a.serializer.ContentType(),
		Body:        reqBytes,
	})
	if err != nil {
		return nil, err
	}
	Logger.Debugf("%s %s => %d", method, path, resp.StatusCode)

	// The server answers in the requested encoding, only fall back for foreign responses
	ser := a.serializer
	if s, ok := serializer.ByContentType(resp.ContentType); ok {
		ser = s
	}

	// Check if the response is an error response
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp common.ErrorResponse
		if err := ser.Deserialize(resp.Body, &errResp); err != nil || errResp.Error == "" {
			errResp.Error = string(resp.Body)
		}
		return nil, &RequestError{StatusCode: resp.StatusCode, Msg: errResp.Error}
	}

	// Deserialize the response
	out := new(T)
	if err := ser.Deserialize(resp.Body, out); err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}

	// Return the response
	return out, nil
}
