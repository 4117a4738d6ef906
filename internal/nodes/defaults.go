package nodes

import (
	"net/http"
	"time"

	"github.com/roach88/flowcrm/internal/crm"
	"github.com/roach88/flowcrm/internal/graph"
)

// DefaultHTTPTimeout bounds outbound calls made by HTTP_REQUEST, DISCORD
// and SLACK nodes.
const DefaultHTTPTimeout = 30 * time.Second

// Deps are the services the built-in executors need.
type Deps struct {
	CRM        *crm.Service
	HTTPClient *http.Client // defaults to a client with DefaultHTTPTimeout
}

// NewDefaultRegistry registers an executor for every known node type.
func NewDefaultRegistry(deps Deps) *Registry {
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	r := NewRegistry()
	r.Register(graph.NodeInitial, Trigger())
	r.Register(graph.NodeManualTrigger, Trigger())
	r.Register(graph.NodeWebhookTrigger, Trigger())
	r.Register(graph.NodeIfElse, IfElse())
	r.Register(graph.NodeSetVariable, SetVariable())
	r.Register(graph.NodeCreateContact, CreateContact(deps.CRM))
	r.Register(graph.NodeCreateDeal, CreateDeal(deps.CRM))
	r.Register(graph.NodeUpdateDealStage, UpdateDealStage(deps.CRM))
	r.Register(graph.NodeHTTPRequest, HTTPRequest(client))
	r.Register(graph.NodeDiscord, Discord(client))
	r.Register(graph.NodeSlack, Slack(client))
	r.Register(graph.NodeBundle, Bundle())
	r.Register(graph.NodeBundleInput, BundleInput())
	r.Register(graph.NodeBundleOutput, BundleOutput())
	return r
}
