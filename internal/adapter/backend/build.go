package backend

import (
	"fmt"

	"github.com/fetchq/fetchq/internal/config"
	"github.com/fetchq/fetchq/internal/domain"
)

// FromConfig builds the configured downloader backend.
func FromConfig(bc config.BackendConfig) (domain.Backend, error) {
	switch bc.Type {
	case "ytdlp":
		return NewYtdlpBackend(), nil
	case "command":
		return NewCommandBackend(bc)
	default:
		return nil, fmt.Errorf("unknown backend type %q", bc.Type)
	}
}
