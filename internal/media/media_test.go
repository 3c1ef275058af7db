package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexbridge/config"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := s.Write(ctx, "t1", "abc.jpg", "image/jpeg", []byte("jpeg-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "t1/abc.jpg", ref)

	data, err := s.Read(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), data)

	_, err = s.Write(ctx, "t1", "../escape", "text/plain", nil)
	assert.Error(t, err)

	_, err = s.Read(ctx, "t1/missing.bin")
	assert.Error(t, err)
}

func TestExtensionFor(t *testing.T) {
	tests := map[string]string{
		"image/jpeg":                "jpg",
		"image/png":                 "png",
		"image/webp":                "webp",
		"video/mp4":                 "mp4",
		"audio/ogg; codecs=opus":    "ogg",
		"audio/mpeg":                "mp3",
		"application/pdf":           "pdf",
		"application/msword":        "doc",
		"application/x-unknown-foo": "bin",
	}
	for mt, ext := range tests {
		t.Run(mt, func(t *testing.T) {
			assert.Equal(t, "."+ext, ExtensionFor(mt))
		})
	}
}

func TestObjectKeyLayout(t *testing.T) {
	day := time.Date(2024, 3, 7, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "tenants/t1/2024/03/07/images/f.jpg", objectKey("t1", "f.jpg", "image/jpeg", day))
	assert.Equal(t, "tenants/t1/2024/03/07/stickers/s.webp", objectKey("t1", "s.webp", "image/webp", day))
	assert.Equal(t, "tenants/t1/2024/03/07/documents/p.pdf", objectKey("t1", "p.pdf", "application/pdf", day))
}

func TestPublicURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.S3Config
		want string
	}{
		{"custom public url", config.S3Config{Bucket: "b", PublicURL: "https://cdn.example.com/"}, "https://cdn.example.com/b/k"},
		{"aws virtual hosted", config.S3Config{Bucket: "b", Region: "sa-east-1"}, "https://b.s3.sa-east-1.amazonaws.com/k"},
		{"aws path style", config.S3Config{Bucket: "b", Region: "sa-east-1", PathStyle: true}, "https://s3.sa-east-1.amazonaws.com/b/k"},
		{"compatible path style", config.S3Config{Bucket: "b", Endpoint: "http://minio:9000", PathStyle: true}, "http://minio:9000/b/k"},
		{"compatible virtual hosted", config.S3Config{Bucket: "b", Endpoint: "https://storage.example.com"}, "https://b.storage.example.com/k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, publicURL(tt.cfg, "k"))
		})
	}
}

func TestWaveformFromPCM(t *testing.T) {
	assert.Equal(t, make([]byte, waveformSamples), waveformFromPCM(nil))

	pcm := make([]byte, 2*waveformSamples*10)
	for i := 0; i < waveformSamples*10; i++ {
		v := int16(0)
		if i >= waveformSamples*5 {
			v = -16000
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	wave := waveformFromPCM(pcm)
	require.Len(t, wave, waveformSamples)
	assert.Equal(t, byte(0), wave[0])
	assert.Equal(t, byte(100), wave[waveformSamples-1])
}

func TestThumbnail(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 320))
	for x := 0; x < 640; x++ {
		img.Set(x, 10, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	info, err := Thumbnail(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(640), info.Width)
	assert.Equal(t, uint32(320), info.Height)

	thumb, err := jpeg.Decode(bytes.NewReader(info.Thumbnail))
	require.NoError(t, err)
	assert.LessOrEqual(t, thumb.Bounds().Dx(), thumbnailSize)

	_, err = Thumbnail([]byte("not an image"))
	assert.Error(t, err)
}
