package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ValentinKolb/dKB/rpc/common"
	"github.com/ValentinKolb/dKB/rpc/serializer"
	"github.com/ValentinKolb/dKB/rpc/transport"
)

// NewRPCKnowledgeBase creates a new client for the dKB api
// The function takes a config, a transport and a serializer as parameters
func NewRPCKnowledgeBase(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*KnowledgeBaseClient, error) {

	// Connect the transport
	err := transport.Connect(config)
	if err != nil {
		return nil, err
	}

	// Create a new client
	return &KnowledgeBaseClient{
		rpcClientAdapter{
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}, nil
}

// KnowledgeBaseClient sends requests to a dKB server
type KnowledgeBaseClient struct {
	rpcClientAdapter
}

// Submit stores payload as api entry. The payload must contain the source field of the server
// (default "prolog"). An empty id lets the server generate one.
func (c *KnowledgeBaseClient) Submit(ctx context.Context, id string, payload map[string]any) (*common.SubmitResponse, error) {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	if id != "" {
		body["id"] = id
	}
	return invokeRPCRequest[common.SubmitResponse](ctx, &c.rpcClientAdapter, http.MethodPost, common.RouteSubmit, body)
}

// AddRule stores a single rule as api entry
func (c *KnowledgeBaseClient) AddRule(ctx context.Context, id, rule string) (*common.SubmitResponse, error) {
	return invokeRPCRequest[common.SubmitResponse](ctx, &c.rpcClientAdapter, http.MethodPost, common.RouteRules, common.RuleRequest{ID: id, Rule: rule})
}

// Patch merges patch into the payload of an existing api entry
func (c *KnowledgeBaseClient) Patch(ctx context.Context, id string, patch map[string]any) (*common.SubmitResponse, error) {
	return invokeRPCRequest[common.SubmitResponse](ctx, &c.rpcClientAdapter, http.MethodPatch, common.EntryRoute(url.PathEscape(id)), patch)
}

// Delete deletes an api entry
func (c *KnowledgeBaseClient) Delete(ctx context.Context, id string) (*common.DeleteResponse, error) {
	return invokeRPCRequest[common.DeleteResponse](ctx, &c.rpcClientAdapter, http.MethodDelete, common.EntryRoute(url.PathEscape(id)), nil)
}

// Query runs a query against the knowledge base of the server
func (c *KnowledgeBaseClient) Query(ctx context.Context, query string) (*common.QueryResponse, error) {
	return invokeRPCRequest[common.QueryResponse](ctx, &c.rpcClientAdapter, http.MethodPost, common.RouteQuery, common.QueryRequest{Query: query})
}

// Entries returns a snapshot of the document
func (c *KnowledgeBaseClient) Entries(ctx context.Context) (*common.EntriesResponse, error) {
	return invokeRPCRequest[common.EntriesResponse](ctx, &c.rpcClientAdapter, http.MethodGet, common.RouteEntries, nil)
}

// Status returns the state of the document and the knowledge base
func (c *KnowledgeBaseClient) Status(ctx context.Context) (*common.StatusResponse, error) {
	return invokeRPCRequest[common.StatusResponse](ctx, &c.rpcClientAdapter, http.MethodGet, common.RouteStatus, nil)
}

// Health checks if the server is alive
func (c *KnowledgeBaseClient) Health(ctx context.Context) error {
	_, err := invokeRPCRequest[common.HealthResponse](ctx, &c.rpcClientAdapter, http.MethodGet, common.RouteHealth, nil)
	return err
}

// Close closes the transport of the client
func (c *KnowledgeBaseClient) Close() error {
	return c.transport.Close()
}
