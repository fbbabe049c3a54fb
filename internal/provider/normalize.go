package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"atelier/internal/domain"
)

// Artifact is the boundary-normalized form of any provider output: raw
// bytes regardless of whether the wire carried inline base64, a remote URL,
// or a batch of items. Handlers never branch on wire shape.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

func (c *Client) normalize(ctx context.Context, res *styleResult) ([]Artifact, error) {
	if res == nil {
		return nil, fmt.Errorf("%w: empty response", domain.ErrProviderTerminal)
	}

	if len(res.Items) > 0 {
		artifacts := make([]Artifact, 0, len(res.Items))
		for i, item := range res.Items {
			artifact, err := c.resolveItem(ctx, item, i)
			if err != nil {
				return nil, err
			}
			artifacts = append(artifacts, artifact)
		}
		return artifacts, nil
	}

	artifact, err := c.resolveItem(ctx, styleItem{
		Image:       res.Image,
		URL:         res.URL,
		ContentType: res.ContentType,
	}, 0)
	if err != nil {
		return nil, err
	}
	return []Artifact{artifact}, nil
}

func (c *Client) resolveItem(ctx context.Context, item styleItem, index int) (Artifact, error) {
	contentType := item.ContentType
	if contentType == "" {
		contentType = "image/png"
	}
	name := item.Name
	if name == "" {
		name = fmt.Sprintf("artifact-%02d", index+1)
	}

	switch {
	case item.Image != "":
		data, err := base64.StdEncoding.DecodeString(stripDataURL(item.Image))
		if err != nil {
			return Artifact{}, fmt.Errorf("%w: decode inline image: %v", domain.ErrProviderTerminal, err)
		}
		return Artifact{Name: name, ContentType: contentType, Data: data}, nil
	case item.URL != "":
		data, fetchedType, err := c.fetch(ctx, item.URL)
		if err != nil {
			return Artifact{}, err
		}
		if fetchedType != "" {
			contentType = fetchedType
		}
		return Artifact{Name: name, ContentType: contentType, Data: data}, nil
	default:
		return Artifact{}, fmt.Errorf("%w: response carried neither image nor url", domain.ErrProviderTerminal)
	}
}

// fetch downloads a remote artifact the provider pointed at.
func (c *Client) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: build fetch request: %v", domain.ErrProviderTerminal, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: fetch artifact: %v", domain.ErrProviderTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: fetch artifact: http %d", domain.ErrProviderTransient, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read artifact: %v", domain.ErrProviderTransient, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func stripDataURL(s string) string {
	if idx := strings.Index(s, ";base64,"); idx >= 0 {
		return s[idx+len(";base64,"):]
	}
	return s
}
