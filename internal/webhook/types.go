package webhook

import (
	"github.com/mattjoyce/keel/internal/workflow"
)

// Submitter starts a workflow for an event in the background.
// *pipeline.Supervisor implements it.
type Submitter interface {
	Submit(def *workflow.Definition, ev workflow.Event) (bool, error)
}

// Catalog supplies the workflows an endpoint may start.
type Catalog interface {
	Definitions() []*workflow.Definition
}

// StaticCatalog is a fixed set of workflows.
type StaticCatalog []*workflow.Definition

func (c StaticCatalog) Definitions() []*workflow.Definition { return c }

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	Path   string
	Secret string
	// SignatureHeader carries the HMAC signature (default X-Hub-Signature-256).
	SignatureHeader string
	// EventHeader names the event kind (default X-GitHub-Event).
	EventHeader string
	// Workflows limits the endpoint to the named workflows; empty means all.
	Workflows   []string
	MaxBodySize int64
}

// SubmitResponse is the JSON response for an accepted delivery.
type SubmitResponse struct {
	Event    workflow.Event `json:"event"`
	Started  []string       `json:"started"`
	Ignored  []string       `json:"ignored,omitempty"`
	Delivery string         `json:"delivery,omitempty"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize     = 1 << 20
	DefaultSignatureHeader = "X-Hub-Signature-256"
	DefaultEventHeader     = "X-GitHub-Event"
	deliveryHeader         = "X-GitHub-Delivery"
)
