package uploader

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stepup/flick/internal/model"
)

type memStore struct {
	objects map[string][]byte
}

func newMemStore() *memStore { return &memStore{objects: make(map[string][]byte)} }

func (s *memStore) Put(_ context.Context, name string, data []byte) (string, error) {
	s.objects[name] = data
	return "/api/files/" + name, nil
}

func (s *memStore) Open(name string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.objects[name])), nil
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestUploadRejectsOversized(t *testing.T) {
	svc := New(newMemStore(), WithMaxUploadSize(1<<20))
	big := bytes.Repeat([]byte{0x42}, 1<<20+1)
	// Заголовок txt пропускает любое содержимое, отказ именно по размеру.
	_, err := svc.Upload(context.Background(), "dump.txt", bytes.NewReader(big))
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestUploadRejectsUnknownType(t *testing.T) {
	svc := New(newMemStore())
	_, err := svc.Upload(context.Background(), "run.exe", bytes.NewReader([]byte("MZ")))
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestUploadRejectsMagicMismatch(t *testing.T) {
	svc := New(newMemStore())
	// Заявлен png, содержимое не png.
	_, err := svc.Upload(context.Background(), "photo.png", bytes.NewReader([]byte("not a png at all")))
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestUploadStoreNotConfigured(t *testing.T) {
	svc := New(nil)
	_, err := svc.Upload(context.Background(), "note.txt", bytes.NewReader([]byte("hello")))
	require.ErrorIs(t, err, ErrStoreNotConfigured)
	require.NotErrorIs(t, err, ErrUnsupportedType)
}

func TestUploadShrinksLargeImage(t *testing.T) {
	store := newMemStore()
	svc := New(store, WithImageBounds(1920, 1080))

	data := encodePNG(t, 2500, 1500)
	res, err := svc.Upload(context.Background(), "big.png", bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, model.AttachmentImage, res.Kind)
	require.Equal(t, "image/jpeg", res.ContentType)
	require.Equal(t, int64(len(store.objects[resObjectName(t, store)])), res.FileSize)

	img, err := jpeg.Decode(bytes.NewReader(store.objects[resObjectName(t, store)]))
	require.NoError(t, err)
	b := img.Bounds()
	require.LessOrEqual(t, b.Dx(), 1920)
	require.LessOrEqual(t, b.Dy(), 1080)
	// Пропорции сохранены: 2500×1500 → 1800×1080.
	require.Equal(t, 1800, b.Dx())
	require.Equal(t, 1080, b.Dy())
}

func TestUploadKeepsSmallImage(t *testing.T) {
	store := newMemStore()
	svc := New(store)

	data := encodePNG(t, 640, 480)
	res, err := svc.Upload(context.Background(), "small.png", bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, "image/png", res.ContentType)
	require.Equal(t, int64(len(data)), res.FileSize)
}

func TestUploadVoiceAndDisplayName(t *testing.T) {
	store := newMemStore()
	svc := New(store)

	ogg := append([]byte("OggS"), bytes.Repeat([]byte{0}, 64)...)
	res, err := svc.Upload(context.Background(), "voice+note.ogg", bytes.NewReader(ogg))
	require.NoError(t, err)
	require.Equal(t, model.AttachmentVoice, res.Kind)
	require.Equal(t, "voice note.ogg", res.FileName)
}

func TestLocalStoreRoundTrip(t *testing.T) {
	store := NewLocalStore(t.TempDir(), "/api/files")
	payload := []byte("attachment payload")

	url, err := store.Put(context.Background(), "obj.txt", payload)
	require.NoError(t, err)
	require.Equal(t, "/api/files/obj.txt", url)

	rc, err := store.Open("obj.txt")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

// resObjectName возвращает имя единственного объекта в хранилище.
func resObjectName(t *testing.T, s *memStore) string {
	t.Helper()
	require.Len(t, s.objects, 1)
	for name := range s.objects {
		return name
	}
	return ""
}
