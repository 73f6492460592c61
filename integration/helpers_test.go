//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	obstools "github.com/Dig-Doug/observation-tools-client"
	"github.com/Dig-Doug/observation-tools-client/transport/oci"
)

// --- Registry Container Setup ---

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container if needed.
// The container is shared across all tests for performance.
func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	registryOnce.Do(func() {
		ctx := context.Background()
		registryAddr, registryErr = startRegistryContainer(ctx)
	})

	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}

	return registryAddr
}

// startRegistryContainer starts a registry:2 container and returns the host:port address.
func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}

	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// --- Test Client Factory ---

// testRepo generates a unique repository for a test to avoid collisions.
func testRepo(registryAddr, testName string) string {
	return fmt.Sprintf("%s/test/%s", registryAddr, strings.ToLower(testName))
}

// newTestSender creates an OCI transport for the local test registry.
func newTestSender(tb testing.TB, repo string, opts ...oci.Option) *oci.Sender {
	tb.Helper()

	// Always use plain HTTP for local registry
	allOpts := append([]oci.Option{oci.WithPlainHTTP(true)}, opts...)

	sender, err := oci.New(repo, allOpts...)
	require.NoError(tb, err, "create OCI sender")
	return sender
}

// newTestClient creates a client uploading through sender.
func newTestClient(tb testing.TB, sender *oci.Sender, opts ...obstools.Option) *obstools.Client {
	tb.Helper()

	allOpts := append([]obstools.Option{
		obstools.WithTransport(sender),
		obstools.WithRetryPolicy(obstools.RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
		}),
	}, opts...)

	client, err := obstools.NewClient("integration", allOpts...)
	require.NoError(tb, err, "create test client")
	return client
}

// shutdownClient drains client and fails the test on timeout.
func shutdownClient(tb testing.TB, client *obstools.Client) obstools.Stats {
	tb.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stats, err := client.Shutdown(ctx)
	require.NoError(tb, err, "shutdown")
	return stats
}

// makeCompressibleContent creates content that benefits from compression.
func makeCompressibleContent(size int) []byte {
	pattern := []byte("This is a repeating pattern for compression testing. ")
	result := make([]byte, 0, size)
	for len(result) < size {
		result = append(result, pattern...)
	}
	return result[:size]
}
