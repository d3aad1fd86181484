package uploader

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobStore — хранилище бинарных объектов. Put возвращает стабильный URL
// для раздачи, Open открывает сохранённый объект по имени.
type BlobStore interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Open(name string) (io.ReadCloser, error)
}

// LocalStore пишет объекты на диск в сжатом виде (.gz) для экономии места.
type LocalStore struct {
	dir     string
	baseURL string
}

// NewLocalStore создаёт каталог при первом обращении. baseURL — префикс
// публичного URL, например "/api/files".
func NewLocalStore(dir, baseURL string) *LocalStore {
	return &LocalStore{dir: dir, baseURL: baseURL}
}

func (s *LocalStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	name = filepath.Base(name)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("localstore mkdir: %w", err)
	}
	dstPath := filepath.Join(s.dir, name+".gz")
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("localstore create: %w", err)
	}
	gz := gzip.NewWriter(dst)
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(dstPath)
		return "", fmt.Errorf("localstore write: %w", err)
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", fmt.Errorf("localstore gzip close: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return "", fmt.Errorf("localstore close: %w", err)
	}
	return s.baseURL + "/" + name, nil
}

// Open возвращает распакованный поток. Сначала ищем сжатый .gz, затем
// обычный файл (обратная совместимость со старыми загрузками).
func (s *LocalStore) Open(name string) (io.ReadCloser, error) {
	name = filepath.Base(name)
	if f, err := os.Open(filepath.Join(s.dir, name+".gz")); err == nil {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("localstore gzip open: %w", err)
		}
		return &gzipReadCloser{gz: gz, f: f}, nil
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("localstore open: %w", err)
	}
	return f, nil
}

type gzipReadCloser struct {
	gz *gzip.Reader
	f  *os.File
}

func (r *gzipReadCloser) Read(p []byte) (int, error) { return r.gz.Read(p) }

func (r *gzipReadCloser) Close() error {
	gzErr := r.gz.Close()
	fErr := r.f.Close()
	if gzErr != nil {
		return gzErr
	}
	return fErr
}
