/*
Package certs manages TLS certificates for project hostnames.

The manager is the only writer of certificate material; the proxy reads
through Lookup and never mutates. Issuance and renewal go through ACME
with the HTTP-01 challenge, served by the proxy on the plain-HTTP
listener. Renewal replaces a certificate atomically in the store: readers
see either the old certificate or the new one, never a partial record.

Custom domains are verified before issuance: the domain's DNS must point
at the platform, either by CNAME onto the platform domain or by resolving
to the same address.
*/
package certs
