package testutils

import (
	"fmt"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ObjectStorageContainer is a LocalStack S3 endpoint with one bucket.
type ObjectStorageContainer struct {
	Endpoint string
	Region   string
	Bucket   string
	KeyID    string
	Secret   string

	Client *s3.Client
}

// StartObjectStorageContainer starts LocalStack and creates the bucket.
func StartObjectStorageContainer(t *testing.T, bucket string) *ObjectStorageContainer {
	t.Helper()

	if runtime.GOOS != "linux" {
		t.Skip("Skipping LocalStack container test on non-Linux OS")
	}

	ctx := t.Context()
	container, err := localstack.Run(ctx,
		"localstack/localstack:latest",
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/_localstack/health").
				WithPort("4566").
				WithStartupTimeout(2*time.Minute),
		),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "Setup: failed to start LocalStack container")

	host, err := container.Host(ctx)
	require.NoError(t, err, "Setup: failed to get container host")
	port, err := container.MappedPort(ctx, "4566")
	require.NoError(t, err, "Setup: failed to get mapped port")

	c := &ObjectStorageContainer{
		Endpoint: fmt.Sprintf("http://%s:%s", host, port.Port()),
		Region:   "us-east-1",
		Bucket:   bucket,
		KeyID:    "test",
		Secret:   "test",
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(c.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(c.KeyID, c.Secret, "")),
	)
	require.NoError(t, err, "Setup: failed to load AWS configuration")
	c.Client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(c.Endpoint)
	})

	_, err = c.Client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	require.NoError(t, err, "Setup: failed to create bucket")

	return c
}

// SecureShellContainer is an SFTP server with one password user owning a writable upload directory.
type SecureShellContainer struct {
	Host     string
	Port     int
	User     string
	Password string
	// BasePath is the writable directory, as seen by the user.
	BasePath string
}

// StartSecureShellContainer starts an atmoz/sftp server.
func StartSecureShellContainer(t *testing.T) *SecureShellContainer {
	t.Helper()

	const (
		user     = "lab"
		password = "secret"
	)

	if runtime.GOOS != "linux" {
		t.Skip("Skipping SFTP container test on non-Linux OS")
	}

	ctx := t.Context()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "atmoz/sftp:latest",
			ExposedPorts: []string{"22/tcp"},
			Cmd:          []string{user + ":" + password + ":::upload"},
			WaitingFor:   wait.ForListeningPort("22/tcp"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "Setup: failed to start SFTP container")

	host, err := container.Host(ctx)
	require.NoError(t, err, "Setup: failed to get container host")
	port, err := container.MappedPort(ctx, "22/tcp")
	require.NoError(t, err, "Setup: failed to get mapped port")
	p, err := strconv.Atoi(port.Port())
	require.NoError(t, err, "Setup: invalid mapped port")

	return &SecureShellContainer{
		Host:     host,
		Port:     p,
		User:     user,
		Password: password,
		BasePath: "/upload",
	}
}
