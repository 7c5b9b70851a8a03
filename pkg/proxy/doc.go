/*
Package proxy is the ingress edge: it resolves the Host header of every
incoming request to a project and forwards to that project's loopback
backend.

Routing state is never cached across requests; each request resolves
against the store so the proxy can never disagree with it for longer than
one request. Responses distinguish three failures a caller can act on:
404 for a hostname the platform does not know, 502 when the project's
backend is broken, and 503 with Retry-After while a project is being
woken or started on the caller's behalf.

The first request for an Idle project triggers the wake path: the proxy
enqueues a start, holds the connection, and polls until the project is
routable or the wake window elapses. The plain-HTTP listener also serves
ACME HTTP-01 challenge responses for the certificate manager.
*/
package proxy
