// Package webhook receives GitHub push and pull_request deliveries,
// verifies their HMAC-SHA256 signatures and submits the resulting events
// to the pipeline supervisor.
//
// Endpoints are configured under webhooks: in the keel config:
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /hooks/github
//	      secret: ${GITHUB_WEBHOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      workflows: [ci]
//	      max_body_size: 1MB
//
// A delivery is accepted with 202 once at least one workflow has been
// started for it; runs continue in the background. Signature failures are
// always a bare 403.
package webhook
