//go:build integration

// Package integration provides integration tests for the obstools client.
//
// These tests require Docker and spin up a real OCI registry using testcontainers.
// Nodes are uploaded through the OCI transport and read back from the registry.
// Run with: go test -tags=integration ./integration/...
package integration
