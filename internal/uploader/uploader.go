// Package uploader превращает локальный файл во вложение: валидация типа и
// размера, уменьшение картинок до допустимых габаритов, запись в блоб-хранилище
// и выдача URL с метаданными.
package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/stepup/flick/internal/logger"
	"github.com/stepup/flick/internal/model"
)

var (
	// ErrTooLarge — файл превышает жёсткий потолок размера.
	ErrTooLarge = errors.New("uploader: file too large")
	// ErrUnsupportedType — расширение неизвестно или содержимое не совпадает
	// с заявленным типом. Отбрасывается до любой записи в хранилище.
	ErrUnsupportedType = errors.New("uploader: unsupported file type")
	// ErrStoreNotConfigured — блоб-хранилище не настроено. Отличается от
	// обычной ошибки записи: здесь нужен администратор, а не повтор.
	ErrStoreNotConfigured = errors.New("uploader: blob store not configured")
)

const (
	DefaultMaxUploadSize = 10 << 20 // 10 MB
	DefaultMaxWidth      = 1920
	DefaultMaxHeight     = 1080
	DefaultJPEGQuality   = 82
)

// Result — итог загрузки: URL для раздачи и метаданные для вложения.
type Result struct {
	URL         string               `json:"url"`
	FileName    string               `json:"file_name"`
	FileSize    int64                `json:"file_size"`
	Kind        model.AttachmentKind `json:"kind"`
	ContentType string               `json:"content_type"`
}

// Service валидирует и сохраняет загружаемые файлы.
type Service struct {
	store       BlobStore
	maxSize     int64
	maxWidth    int
	maxHeight   int
	jpegQuality int
}

type Option func(*Service)

func WithMaxUploadSize(n int64) Option { return func(s *Service) { s.maxSize = n } }

func WithImageBounds(w, h int) Option {
	return func(s *Service) { s.maxWidth, s.maxHeight = w, h }
}

func WithJPEGQuality(q int) Option { return func(s *Service) { s.jpegQuality = q } }

// New создаёт сервис. store == nil допустим: каждая загрузка тогда
// завершается ErrStoreNotConfigured.
func New(store BlobStore, opts ...Option) *Service {
	s := &Service{
		store:       store,
		maxSize:     DefaultMaxUploadSize,
		maxWidth:    DefaultMaxWidth,
		maxHeight:   DefaultMaxHeight,
		jpegQuality: DefaultJPEGQuality,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) MaxUploadSize() int64 { return s.maxSize }

// Upload проверяет файл, при необходимости уменьшает картинку и кладёт
// результат в хранилище. Ошибки валидации возвращаются до любой записи.
func (s *Service) Upload(ctx context.Context, filename string, r io.Reader) (*Result, error) {
	defer logger.DeferLogDuration("uploader.Upload", time.Now())()

	// В ряде клиентов пробел в имени кодируется как "+".
	rawName := strings.ReplaceAll(filename, "+", " ")
	ext := strings.ToLower(filepath.Ext(rawName))
	kind, ok := kindByExt[ext]
	if !ok {
		return nil, ErrUnsupportedType
	}

	data, err := io.ReadAll(io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("uploader.Upload read: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, ErrTooLarge
	}
	if !matchMagic(ext, data) {
		return nil, ErrUnsupportedType
	}

	contentType := contentTypeByExt(ext)
	if kind == model.AttachmentImage && resizableImage(ext) {
		resized, err := s.shrinkImage(data)
		if err != nil {
			return nil, fmt.Errorf("uploader.Upload image: %w", err)
		}
		if resized != nil {
			data = resized
			ext = ".jpg"
			contentType = "image/jpeg"
		}
	}

	if s.store == nil {
		return nil, ErrStoreNotConfigured
	}

	name := uuid.New().String() + ext
	url, err := s.store.Put(ctx, name, data)
	if err != nil {
		return nil, fmt.Errorf("uploader.Upload store: %w", err)
	}

	displayName := safeFilename(filepath.Base(rawName))
	if displayName == "" {
		displayName = name
	}
	return &Result{
		URL:         url,
		FileName:    displayName,
		FileSize:    int64(len(data)),
		Kind:        kind,
		ContentType: contentType,
	}, nil
}

var kindByExt = map[string]model.AttachmentKind{
	".jpg": model.AttachmentImage, ".jpeg": model.AttachmentImage,
	".png": model.AttachmentImage, ".gif": model.AttachmentImage,
	".webp": model.AttachmentImage,
	".ogg":  model.AttachmentVoice, ".mp3": model.AttachmentVoice,
	".wav": model.AttachmentVoice, ".m4a": model.AttachmentVoice,
	".mp4": model.AttachmentVideo, ".mov": model.AttachmentVideo,
	".webm": model.AttachmentVideo,
	".pdf":  model.AttachmentFile, ".doc": model.AttachmentFile,
	".docx": model.AttachmentFile, ".txt": model.AttachmentFile,
	".zip": model.AttachmentFile,
}

// matchMagic сверяет сигнатуру содержимого с расширением, чтобы не принять
// переименованный исполняемый файл за картинку.
func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".ogg":
		return len(head) >= 4 && bytes.Equal(head[:4], []byte("OggS"))
	case ".mp3":
		return len(head) >= 3 && (bytes.Equal(head[:3], []byte("ID3")) || (head[0] == 0xFF && head[1]&0xE0 == 0xE0))
	case ".wav":
		return len(head) >= 12 && bytes.Equal(head[:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE"))
	case ".m4a", ".mp4", ".mov":
		return len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp"))
	case ".webm":
		return len(head) >= 4 && bytes.Equal(head[:4], []byte{0x1A, 0x45, 0xDF, 0xA3})
	case ".pdf":
		return len(head) >= 5 && bytes.Equal(head[:5], []byte("%PDF-"))
	case ".doc":
		return len(head) >= 4 && head[0] == 0xD0 && head[1] == 0xCF && head[2] == 0x11 && head[3] == 0xE0
	case ".docx", ".zip":
		return len(head) >= 4 && head[0] == 0x50 && head[1] == 0x4B && (head[2] == 0x03 || head[2] == 0x05) && head[3] == 0x04
	case ".txt":
		return true
	}
	return false
}

func contentTypeByExt(ext string) string {
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".ogg":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".m4a":
		return "audio/mp4"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	case ".zip":
		return "application/zip"
	}
	return "application/octet-stream"
}

// safeFilename оставляет имя безопасным для хранения и Content-Disposition:
// без управляющих символов, кавычек и путей. UTF-8 сохраняется.
func safeFilename(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
