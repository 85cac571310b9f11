package device

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bilbercode/camstream/internal/format"
)

// Open creates the file backed source for codec. The source kind follows
// the codec, the path extension is only checked for obvious mismatches.
func Open(codec format.Codec, opts Options) (Source, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: no source path configured for %s", ErrSourceCreation, codec)
	}
	ext := strings.ToLower(filepath.Ext(opts.Path))
	switch codec {
	case format.CodecH264, format.CodecHEVC:
		if ext == ".ivf" {
			return nil, fmt.Errorf("%w: %s cannot be read from ivf", ErrSourceCreation, codec)
		}
		return OpenAnnexBFile(codec, opts)
	case format.CodecVP8, format.CodecVP9:
		return OpenIVFFile(codec, opts)
	}
	return nil, fmt.Errorf("%w: no device source for %s", ErrSourceCreation, codec)
}
