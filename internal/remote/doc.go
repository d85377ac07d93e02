// internal/remote/doc.go
// Package remote owns the gRPC connections to a remote execution service.
//
// It dials the CAS and Execution endpoints, attaches per-process and
// per-action request metadata to every call, and probes the server's
// capabilities so that uploads can honour its batch limits and
// compressors.
package remote
