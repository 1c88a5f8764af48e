// Package content converts arbitrary handler return values into the
// protocol's typed content blocks. The normalizer is stateless and
// transport-independent: it is the sole converter between raw values and
// wire.ContentBlock, so every block that crosses the protocol boundary is
// serializable by construction.
package content

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/toolhost/toolhost-go/wire"
)

var (
	// ErrEmptyPayload is returned for zero-length binary payloads.
	ErrEmptyPayload = errors.New("content: empty binary payload")
	// ErrPayloadTooLarge is returned when a payload exceeds the hard maximum.
	ErrPayloadTooLarge = errors.New("content: payload exceeds maximum size")
	// ErrPathEscapesRoot is returned when a file hint resolves outside the
	// configured root.
	ErrPathEscapesRoot = errors.New("content: file path escapes configured root")
	// ErrInvalidBlock is returned when a passed-through block is malformed.
	ErrInvalidBlock = errors.New("content: invalid content block")
)

const (
	defaultSafeBytes = 8 << 20   // warn threshold
	defaultMaxBytes  = 128 << 20 // hard reject
	defaultMimeType  = "application/octet-stream"
)

// Normalizer converts handler return values to content blocks. The zero
// value is not usable; construct with New.
type Normalizer struct {
	log       *slog.Logger
	root      string
	safeBytes int64
	maxBytes  int64
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithLogger sets the logger used for size warnings.
func WithLogger(l *slog.Logger) Option {
	return func(n *Normalizer) {
		if l != nil {
			n.log = l
		}
	}
}

// WithRoot sets the directory file hints are resolved against. When empty,
// file hints are rejected outright.
func WithRoot(dir string) Option {
	return func(n *Normalizer) { n.root = dir }
}

// WithSafeBytes sets the warn threshold for binary payloads.
func WithSafeBytes(limit int64) Option {
	return func(n *Normalizer) {
		if limit > 0 {
			n.safeBytes = limit
		}
	}
}

// WithMaxBytes sets the hard maximum for binary payloads.
func WithMaxBytes(limit int64) Option {
	return func(n *Normalizer) {
		if limit > 0 {
			n.maxBytes = limit
		}
	}
}

// New constructs a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		log:       slog.Default(),
		safeBytes: defaultSafeBytes,
		maxBytes:  defaultMaxBytes,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// MaxBytes returns the hard payload maximum.
func (n *Normalizer) MaxBytes() int64 { return n.maxBytes }

// Normalize converts a handler return value into content blocks. Resolution
// order, first match wins:
//
//  1. []wire.ContentBlock → validated, passed through unchanged
//  2. wire.ContentBlock   → validated, wrapped in a one-element slice
//  3. string              → single text block
//  4. []byte              → binary block with sniffed kind and mime type
//  5. Hint                → block of the stated kind (File hints read from disk)
//  6. nil                 → no content
//  7. anything else       → JSON-encoded into a text block
func (n *Normalizer) Normalize(v any) ([]wire.ContentBlock, error) {
	switch val := v.(type) {
	case []wire.ContentBlock:
		for i := range val {
			if err := n.checkBlock(&val[i]); err != nil {
				return nil, err
			}
		}
		return val, nil
	case wire.ContentBlock:
		if err := n.checkBlock(&val); err != nil {
			return nil, err
		}
		return []wire.ContentBlock{val}, nil
	case string:
		return []wire.ContentBlock{wire.TextBlock(val)}, nil
	case []byte:
		block, err := n.binaryBlock(val, "", "")
		if err != nil {
			return nil, err
		}
		return []wire.ContentBlock{block}, nil
	case Hint:
		block, err := n.fromHint(val)
		if err != nil {
			return nil, err
		}
		return []wire.ContentBlock{block}, nil
	case *Hint:
		if val == nil {
			return nil, nil
		}
		block, err := n.fromHint(*val)
		if err != nil {
			return nil, err
		}
		return []wire.ContentBlock{block}, nil
	case nil:
		return nil, nil
	case error:
		// Thrown values arrive here from the dispatcher's recovery path.
		return []wire.ContentBlock{wire.TextBlock("Error: " + val.Error())}, nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("content: value of type %T is not serializable: %w", v, err)
		}
		return []wire.ContentBlock{wire.TextBlock(string(b))}, nil
	}
}

func (n *Normalizer) fromHint(h Hint) (wire.ContentBlock, error) {
	switch h.Kind {
	case HintImage, HintAudio, HintBinary:
		return n.binaryBlock(h.Data, string(h.Kind), h.MimeType)
	case HintFile:
		data, mimeType, err := n.readFile(h.Path, h.MimeType)
		if err != nil {
			return wire.ContentBlock{}, err
		}
		if isTextMimeType(mimeType) && utf8.Valid(data) {
			return wire.TextBlock(string(data)), nil
		}
		return n.binaryBlock(data, "", mimeType)
	default:
		return wire.ContentBlock{}, fmt.Errorf("content: unknown hint kind %q", h.Kind)
	}
}

// binaryBlock encodes data as a base64 block. When kind is empty it is
// inferred from the resolved mime type, defaulting to image for
// unclassifiable payloads.
func (n *Normalizer) binaryBlock(data []byte, kind, explicitMime string) (wire.ContentBlock, error) {
	if err := n.checkSize(int64(len(data))); err != nil {
		return wire.ContentBlock{}, err
	}
	mimeType := explicitMime
	if mimeType == "" {
		mimeType = sniffMimeType(data)
	}
	if kind == "" {
		kind = kindForMimeType(mimeType)
	}
	blockType := wire.ContentTypeBinary
	switch kind {
	case string(HintImage):
		blockType = wire.ContentTypeImage
		if mimeType == defaultMimeType {
			mimeType = "image/png"
		}
	case string(HintAudio):
		blockType = wire.ContentTypeAudio
	}
	return wire.ContentBlock{
		Type:     blockType,
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
	}, nil
}

// readFile resolves path against the configured root, rejecting traversal,
// then reads the file and resolves its mime type.
func (n *Normalizer) readFile(path, explicitMime string) ([]byte, string, error) {
	resolved, err := n.ResolvePath(path)
	if err != nil {
		return nil, "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, "", fmt.Errorf("content: unreadable file %q: %w", path, err)
	}
	if err := n.checkSize(info.Size()); err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, "", fmt.Errorf("content: unreadable file %q: %w", path, err)
	}
	mimeType := explicitMime
	if mimeType == "" {
		mimeType = mimeTypeByExtension(resolved)
	}
	if mimeType == "" {
		mimeType = sniffMimeType(data)
	}
	return data, mimeType, nil
}

// ResolvePath sanitizes a file-hint path against the configured root. The
// returned path is fully resolved and always inside the root.
func (n *Normalizer) ResolvePath(path string) (string, error) {
	if n.root == "" {
		return "", fmt.Errorf("content: file hints disabled: no root configured")
	}
	root, err := filepath.Abs(n.root)
	if err != nil {
		return "", fmt.Errorf("content: invalid root: %w", err)
	}
	joined := path
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(root, joined)
	}
	cleaned := filepath.Clean(joined)
	if !within(cleaned, root) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, path)
	}
	// The lexical check alone is not enough: a symlink inside the root can
	// point anywhere. Compare the fully resolved path against the resolved
	// root before handing it out.
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("content: invalid root: %w", err)
	}
	real, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		return "", fmt.Errorf("content: unreadable file %q: %w", path, err)
	}
	if !within(real, realRoot) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, path)
	}
	return real, nil
}

func within(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

func (n *Normalizer) checkSize(size int64) error {
	if size == 0 {
		return ErrEmptyPayload
	}
	if size > n.maxBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, size, n.maxBytes)
	}
	if size > n.safeBytes {
		n.log.Warn("content.payload.large", slog.Int64("bytes", size), slog.Int64("safe_bytes", n.safeBytes))
	}
	return nil
}

// checkBlock validates a passed-through block without altering it.
func (n *Normalizer) checkBlock(b *wire.ContentBlock) error {
	switch b.Type {
	case wire.ContentTypeText:
		return nil
	case wire.ContentTypeImage, wire.ContentTypeAudio, wire.ContentTypeBinary:
		if b.Data == "" {
			return fmt.Errorf("%w: %s block with empty data", ErrInvalidBlock, b.Type)
		}
		decoded, err := base64.StdEncoding.DecodeString(b.Data)
		if err != nil {
			return fmt.Errorf("%w: invalid base64 in %s block: %v", ErrInvalidBlock, b.Type, err)
		}
		return n.checkSize(int64(len(decoded)))
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidBlock, b.Type)
	}
}

// mime cascade helpers

var extraExtensions = map[string]string{
	".md":   "text/markdown",
	".json": "application/json",
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".webp": "image/webp",
}

func mimeTypeByExtension(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return ""
	}
	if t, ok := extraExtensions[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		// Strip parameters like "; charset=utf-8".
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = strings.TrimSpace(t[:i])
		}
		return t
	}
	return ""
}

func sniffMimeType(data []byte) string {
	t := http.DetectContentType(data)
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	return t
}

func isTextMimeType(mimeType string) bool {
	return strings.HasPrefix(mimeType, "text/") ||
		mimeType == "application/json" ||
		mimeType == "application/xml"
}

func kindForMimeType(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return string(HintImage)
	case strings.HasPrefix(mimeType, "audio/"):
		return string(HintAudio)
	case mimeType == defaultMimeType:
		// Unclassifiable raw bytes default to image, matching the common
		// handler pattern of returning screenshot/chart bytes directly.
		return string(HintImage)
	default:
		return string(HintBinary)
	}
}
