package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/go-connections/nat"
)

const fakeGCSImage = "fsouza/fake-gcs-server:1.49"

// FakeGCS is a running fake-gcs-server container.
type FakeGCS struct {
	// Endpoint is the storage API endpoint for client configuration.
	Endpoint string
	hostPort string
}

// StartFakeGCS launches a fake-gcs-server container with the given bucket
// pre-created. The container is removed with the test's docker cleanup.
func StartFakeGCS(t TestingT, bucket string) *FakeGCS {
	t.Helper()

	cli := DockerClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	hostPort, err := FindFreePort()
	if err != nil {
		t.Skipf("no free port: %v", err)
	}

	reader, err := cli.ImagePull(ctx, fakeGCSImage, image.PullOptions{})
	if err != nil {
		t.Skipf("failed to pull %s: %v", fakeGCSImage, err)
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	containerPort := nat.Port("4443/tcp")
	resp, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image: fakeGCSImage,
			Cmd: []string{
				"-scheme", "http",
				"-port", "4443",
				"-public-host", "127.0.0.1:" + hostPort,
			},
			Labels:       ContainerLabels(t),
			ExposedPorts: nat.PortSet{containerPort: struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				containerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: hostPort}},
			},
		},
		nil, nil, UniqueContainerName(t, "gcs"))
	if err != nil {
		t.Skipf("failed to create fake-gcs-server container: %v", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		t.Skipf("failed to start fake-gcs-server container: %v", err)
	}

	gcs := &FakeGCS{
		Endpoint: fmt.Sprintf("http://127.0.0.1:%s/storage/v1/", hostPort),
		hostPort: hostPort,
	}

	if err := gcs.waitReady(30 * time.Second); err != nil {
		t.Skipf("fake-gcs-server not ready: %v", err)
	}
	if err := gcs.CreateBucket(bucket); err != nil {
		t.Skipf("failed to create bucket %s: %v", bucket, err)
	}
	return gcs
}

// CreateBucket creates a bucket through the JSON API.
func (g *FakeGCS) CreateBucket(name string) error {
	body := bytes.NewBufferString(fmt.Sprintf(`{"name":%q}`, name))
	url := fmt.Sprintf("http://127.0.0.1:%s/storage/v1/b?project=test", g.hostPort)
	resp, err := http.Post(url, "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("create bucket: status %d", resp.StatusCode)
	}
	return nil
}

// waitReady polls the bucket list endpoint until the server answers.
func (g *FakeGCS) waitReady(timeout time.Duration) error {
	url := fmt.Sprintf("http://127.0.0.1:%s/storage/v1/b?project=test", g.hostPort)
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("not ready after %v", timeout)
}
