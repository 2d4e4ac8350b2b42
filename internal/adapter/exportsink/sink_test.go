package exportsink

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustcore/internal/domain"
)

func TestFileSinkPut(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	loc, err := sink.Put(context.Background(), "portability_1.json", "application/json", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "portability_1.json"), loc)

	data, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	info, err := os.Stat(loc)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileSinkOverwrite(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	_, err = sink.Put(context.Background(), "x.csv", "text/csv", []byte("old"))
	require.NoError(t, err)
	loc, err := sink.Put(context.Background(), "x.csv", "text/csv", []byte("new"))
	require.NoError(t, err)

	data, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestFileSinkRejectsEscapingNames(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "../x.json", "a/b.json", ".hidden"} {
		_, err := sink.Put(context.Background(), name, "", []byte("x"))
		assert.ErrorIs(t, err, domain.ErrValidation, name)
	}
}

func TestFileSinkCancelled(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = sink.Put(ctx, "x.json", "", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

type fakePutter struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3SinkPut(t *testing.T) {
	fake := &fakePutter{}
	sink := newS3Sink(fake, "exports", "/gdpr/")

	loc, err := sink.Put(context.Background(), "portability_1.csv", "text/csv", []byte("Field,Value\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3://exports/gdpr/portability_1.csv", loc)

	require.NotNil(t, fake.in)
	assert.Equal(t, "exports", aws.ToString(fake.in.Bucket))
	assert.Equal(t, "gdpr/portability_1.csv", aws.ToString(fake.in.Key))
	assert.Equal(t, "text/csv", aws.ToString(fake.in.ContentType))
	assert.Equal(t, types.ServerSideEncryptionAes256, fake.in.ServerSideEncryption)
	assert.Equal(t, "Field,Value\n", string(fake.body))
}

func TestS3SinkPutError(t *testing.T) {
	sink := newS3Sink(&fakePutter{err: errors.New("AccessDenied")}, "exports", "")

	_, err := sink.Put(context.Background(), "x.json", "application/json", []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://exports/x.json")
	assert.Contains(t, err.Error(), "AccessDenied")
}

func TestNewS3SinkRequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{})
	assert.Error(t, err)
}

func TestNewS3SinkStaticCredentials(t *testing.T) {
	sink, err := NewS3Sink(context.Background(), S3Config{
		Bucket: "b", Region: "eu-central-1", Endpoint: "fsn1.example.com", KeyID: "k", Secret: "s",
	})
	require.NoError(t, err)
	assert.Equal(t, "b", sink.bucket)
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", endpointURL("s3.example.com"))
	assert.Equal(t, "http://localhost:9000", endpointURL("http://localhost:9000"))
}
