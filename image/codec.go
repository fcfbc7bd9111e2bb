package image

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// magic starts every encoded image, followed by one format version byte.
var magic = []byte("HSIMG")

// ErrFormat is returned when data is not an encoded image.
var ErrFormat = errors.New("image: not an image file")

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Encode serializes img. The encoding is deterministic.
func Encode(img *Image) ([]byte, error) {
	payload, err := encMode.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("image: marshal %s: %w", img.Name, err)
	}
	buf := make([]byte, 0, len(magic)+1+len(payload))
	buf = append(buf, magic...)
	buf = append(buf, FormatVersion)
	return append(buf, payload...), nil
}

// Decode deserializes an image and links it.
func Decode(data []byte) (*Image, error) {
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return nil, ErrFormat
	}
	if v := data[len(magic)]; v != FormatVersion {
		return nil, fmt.Errorf("image: unsupported format version %d", v)
	}

	var img Image
	if err := cbor.Unmarshal(data[len(magic)+1:], &img); err != nil {
		return nil, fmt.Errorf("image: unmarshal: %w", err)
	}
	img.Link()
	return &img, nil
}

// ReadFile reads and decodes the image at path.
func ReadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// WriteFile encodes img to path. The file is replaced atomically so a
// concurrent reader never sees a partial image.
func WriteFile(path string, img *Image) error {
	data, err := Encode(img)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
