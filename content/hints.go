package content

// HintKind names the explicitly tagged content shapes a handler may return.
type HintKind string

const (
	HintImage  HintKind = "image"
	HintAudio  HintKind = "audio"
	HintBinary HintKind = "binary"
	HintFile   HintKind = "file"
)

// Hint is an explicitly tagged return shape. Exactly one of Data or Path is
// set: Data carries the payload inline, Path references a file resolved
// against the normalizer's configured root. MimeType is optional; when empty
// the normalizer runs its resolution cascade.
type Hint struct {
	Kind     HintKind
	Data     []byte
	Path     string
	MimeType string
}

// Image tags raw bytes as image content.
func Image(data []byte, mimeType string) Hint {
	return Hint{Kind: HintImage, Data: data, MimeType: mimeType}
}

// Audio tags raw bytes as audio content.
func Audio(data []byte, mimeType string) Hint {
	return Hint{Kind: HintAudio, Data: data, MimeType: mimeType}
}

// Binary tags raw bytes as opaque binary content.
func Binary(data []byte, mimeType string) Hint {
	return Hint{Kind: HintBinary, Data: data, MimeType: mimeType}
}

// File references a path to be read and normalized. The path is sanitized
// against the normalizer's root before any I/O happens.
func File(path string, mimeType string) Hint {
	return Hint{Kind: HintFile, Path: path, MimeType: mimeType}
}
