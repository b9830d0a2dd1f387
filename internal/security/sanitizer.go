package security

import (
	"fmt"
	"html"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

type SanitizerConfig struct {
	Enabled         bool `yaml:"enabled" mapstructure:"enabled"`
	MaxStringLength int  `yaml:"max_string_length" mapstructure:"max_string_length"`
	StrictMode      bool `yaml:"strict_mode" mapstructure:"strict_mode"`
}

func DefaultSanitizerConfig() SanitizerConfig {
	return SanitizerConfig{
		Enabled:         true,
		MaxStringLength: 4096,
	}
}

// InputSanitizer strips markup from free-text record fields before they are
// written. Names and descriptions are rendered as plain text by every client,
// so no markup survives.
type InputSanitizer struct {
	config     SanitizerConfig
	htmlPolicy *bluemonday.Policy
}

func NewInputSanitizer(config SanitizerConfig) *InputSanitizer {
	sanitizer := &InputSanitizer{config: config}
	if config.Enabled {
		sanitizer.htmlPolicy = bluemonday.StrictPolicy()
	}
	return sanitizer
}

func (is *InputSanitizer) SanitizeString(input string) (string, error) {
	if !is.IsEnabled() {
		return input, nil
	}

	if is.config.MaxStringLength > 0 && len(input) > is.config.MaxStringLength {
		if is.config.StrictMode {
			return "", fmt.Errorf("string length exceeds maximum allowed length of %d", is.config.MaxStringLength)
		}
		input = input[:is.config.MaxStringLength]
	}

	if !utf8.ValidString(input) {
		if is.config.StrictMode {
			return "", fmt.Errorf("invalid UTF-8 string")
		}
		input = strings.ToValidUTF8(input, "")
	}

	input = strings.ReplaceAll(input, "\x00", "")

	// bluemonday escapes entities in the text it keeps; the backend stores
	// plain text, so undo that after the tags are gone.
	input = html.UnescapeString(is.htmlPolicy.Sanitize(input))

	return strings.TrimSpace(input), nil
}

// SanitizeFields rewrites the named string fields of record in place.
// Missing and non-string fields are left alone.
func (is *InputSanitizer) SanitizeFields(record map[string]any, fields []string) error {
	if !is.IsEnabled() {
		return nil
	}

	for _, field := range fields {
		value, ok := record[field].(string)
		if !ok {
			continue
		}

		clean, err := is.SanitizeString(value)
		if err != nil {
			return fmt.Errorf("invalid value for field '%s': %w", field, err)
		}
		record[field] = clean
	}

	return nil
}

// SanitizeFilename reduces an upload name to a bare file name without
// traversal or control characters.
func (is *InputSanitizer) SanitizeFilename(filename string) (string, error) {
	filename = filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	filename = strings.ReplaceAll(filename, "..", "")

	filename = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, filename)

	filename = strings.TrimSpace(filename)
	if filename == "" || filename == "." || filename == "/" {
		return "", fmt.Errorf("empty filename")
	}

	return filename, nil
}

func (is *InputSanitizer) IsEnabled() bool {
	return is != nil && is.config.Enabled && is.htmlPolicy != nil
}
