// Package harness runs workflow scenarios as executable tests.
//
// A scenario loads workflow definition files, seeds CRM records, stubs
// outbound HTTP, fires one trigger through the real engine and then
// checks the execution against expectations and assertions.
//
// # Scenario Format
//
//	name: lead_routing_pro
//	description: "Pro signups are tagged as VIP"
//	workflows:
//	  - ../workflows/lead-routing.yaml
//	setup:
//	  pipelines:
//	    - {key: sales, name: Sales, stages: [Lead, Won]}
//	  contacts:
//	    - {name: Ada, email: ada@example.com}
//	http:
//	  - {path: /notify, status: 200, body: {ok: true}}
//	trigger:
//	  workflow: lead-routing
//	  type: webhook
//	  payload: {plan: pro}
//	expect:
//	  status: SUCCESS
//	  nodes: {vip: success, regular: skipped}
//	  output: {vip: {tier: vip}}
//	assertions:
//	  - type: node_order
//	    nodes: [check, vip]
//	  - type: final_state
//	    table: contacts
//	    where: {email: ada@example.com}
//	    expect: {name: Ada}
//
// Workflow paths are relative to the scenario file. Seeded records are
// exposed to templates under {{setup.pipelines.<key>.id}},
// {{setup.pipelines.<key>.stages.<name>}} and {{setup.contacts.<email>}};
// the stub server's base URL is {{http.url}}.
//
// # Assertion Types
//
//   - node_order: the listed nodes succeeded in this relative order
//   - node_count: the node emitted the given number of events
//   - output: the value at a dot path of the execution output
//   - http_request: the stub server received a matching request
//   - final_state: one row of a CRM table has the expected columns
//
// # Deterministic Testing
//
// Every run uses a fresh SQLite database, a logical clock starting at
// zero, fixed execution IDs and a fixed wall clock, so the node event
// trace is identical across runs and can be compared with golden files
// (testdata/golden, regenerate with -update).
package harness
