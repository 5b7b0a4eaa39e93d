package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format of a definition document.
type Format string

const (
	FormatAuto Format = ""
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

const maxDocumentSize = 4 << 20

type validatable interface {
	Validate() error
}

// ParseWorkflows decodes a list of workflow definitions. Definitions that are
// malformed or fail validation are logged and skipped; only an unreadable
// document is an error.
func ParseWorkflows(data []byte, format Format, logger *slog.Logger) ([]Definition, error) {
	return parseList[Definition](data, format, "workflow", logger)
}

// ParseFunnels decodes a list of funnel definitions, skipping malformed ones.
func ParseFunnels(data []byte, format Format, logger *slog.Logger) ([]Funnel, error) {
	return parseList[Funnel](data, format, "funnel", logger)
}

// LoadWorkflows reads workflows from a file path or an http(s) URL.
func LoadWorkflows(ctx context.Context, source string, client *http.Client, logger *slog.Logger) ([]Definition, error) {
	data, format, err := readSource(ctx, source, client)
	if err != nil {
		return nil, err
	}
	return ParseWorkflows(data, format, logger)
}

// LoadFunnels reads funnels from a file path or an http(s) URL.
func LoadFunnels(ctx context.Context, source string, client *http.Client, logger *slog.Logger) ([]Funnel, error) {
	data, format, err := readSource(ctx, source, client)
	if err != nil {
		return nil, err
	}
	return ParseFunnels(data, format, logger)
}

func parseList[T any, PT interface {
	*T
	validatable
}](data []byte, format Format, what string, logger *slog.Logger) ([]T, error) {
	if logger == nil {
		logger = slog.Default()
	}
	items, err := splitDocument(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s definitions: %w", what, err)
	}

	out := make([]T, 0, len(items))
	for i, raw := range items {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			logger.Warn("Skipping malformed definition", "kind", what, "index", i, "error", err)
			continue
		}
		if err := PT(&v).Validate(); err != nil {
			logger.Warn("Skipping invalid definition", "kind", what, "index", i, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// splitDocument turns a JSON or YAML list into one raw JSON value per item so
// that every item decodes independently.
func splitDocument(data []byte, format Format) ([]json.RawMessage, error) {
	switch format {
	case FormatJSON:
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return items, nil
	case FormatYAML:
		var items []any
		if err := yaml.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		out := make([]json.RawMessage, 0, len(items))
		for _, item := range items {
			raw, err := json.Marshal(item)
			if err != nil {
				// Kept so the item fails on its own when decoded.
				raw = []byte("null")
			}
			out = append(out, raw)
		}
		return out, nil
	default:
		// Try JSON first, then YAML
		if items, err := splitDocument(data, FormatJSON); err == nil {
			return items, nil
		}
		return splitDocument(data, FormatYAML)
	}
}

func formatFromName(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatAuto
	}
}

func readSource(ctx context.Context, source string, client *http.Client) ([]byte, Format, error) {
	if source == "" {
		return nil, FormatAuto, fmt.Errorf("definition source is empty")
	}
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, FormatAuto, fmt.Errorf("failed to read definitions file: %w", err)
		}
		return data, formatFromName(source), nil
	}

	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, FormatAuto, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/yaml")

	resp, err := client.Do(req)
	if err != nil {
		return nil, FormatAuto, fmt.Errorf("failed to fetch definitions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, FormatAuto, fmt.Errorf("definitions endpoint responded with status: %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, FormatAuto, fmt.Errorf("failed to read definitions: %w", err)
	}

	format := formatFromName(req.URL.Path)
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "json") {
		format = FormatJSON
	} else if strings.Contains(ct, "yaml") {
		format = FormatYAML
	}
	return data, format, nil
}
