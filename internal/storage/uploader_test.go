package storage

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUploaderValidatesConfig(t *testing.T) {
	_, err := NewUploader(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "region")
	assert.Contains(t, err.Error(), "bucket")

	_, err = NewUploader(Config{
		Region:        "us-east-1",
		AccessKey:     "key",
		SecretKey:     "secret",
		Bucket:        "pics",
		PublicBaseURL: "https://cdn.example",
	})
	require.NoError(t, err)
}

func TestObjectKeyLayout(t *testing.T) {
	u := &Uploader{prefix: "generations"}
	now := time.Date(2026, 8, 31, 12, 30, 45, 0, time.UTC)

	key := u.objectKey(now, "image/png")
	assert.True(t, strings.HasPrefix(key, "generations/2026/08/20260831T123045-"), key)
	assert.True(t, strings.HasSuffix(key, ".png"), key)

	assert.True(t, strings.HasSuffix(u.objectKey(now, "image/jpeg"), ".jpg"))
	assert.True(t, strings.HasSuffix(u.objectKey(now, "application/pdf"), ".bin"))

	// Same-second keys do not collide.
	assert.NotEqual(t, key, u.objectKey(now, "image/png"))
}

func TestPublicURLJoin(t *testing.T) {
	base, err := url.Parse("https://cdn.example/media/")
	require.NoError(t, err)
	u := &Uploader{prefix: "generations", baseURL: base}

	key := u.objectKey(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), "image/webp")
	got := u.baseURL.JoinPath(key).String()
	assert.Equal(t, "https://cdn.example/media/"+key, got)
}
