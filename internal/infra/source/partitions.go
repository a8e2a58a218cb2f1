package source

import (
	"context"
	_ "embed"
	"fmt"
	"net/url"
	"strconv"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/placepipe/internal/core/domain"
)

//go:embed regions.yaml
var regionsYAML []byte

// DefaultRegions returns the bundled administrative-unit partitions.
func DefaultRegions() ([]domain.Partition, error) {
	var doc struct {
		Regions []domain.Partition `yaml:"regions"`
	}
	if err := yaml.Unmarshal(regionsYAML, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse bundled regions: %w", err)
	}
	for i := range doc.Regions {
		doc.Regions[i].Kind = domain.PartitionRegion
	}
	return doc.Regions, nil
}

// StaticPartitions serves a fixed partition list.
type StaticPartitions struct {
	partitions []domain.Partition
}

// NewStaticPartitions wraps a fixed list.
func NewStaticPartitions(partitions []domain.Partition) *StaticPartitions {
	return &StaticPartitions{partitions: partitions}
}

// List returns up to limit partitions starting at offset. limit <= 0 means
// the rest of the list.
func (s *StaticPartitions) List(ctx context.Context, offset, limit int) ([]domain.Partition, error) {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.partitions) {
		return nil, nil
	}
	end := len(s.partitions)
	if limit > 0 {
		end = min(offset+limit, end)
	}
	out := make([]domain.Partition, end-offset)
	copy(out, s.partitions[offset:end])
	return out, nil
}

// APIPartitions lists partitions from a live endpoint returning
// {"partitions": [{"kind", "key", "name"}]}.
type APIPartitions struct {
	client   *Client
	endpoint string
}

// NewAPIPartitions creates an API-backed partition source.
func NewAPIPartitions(client *Client, endpoint string) *APIPartitions {
	return &APIPartitions{client: client, endpoint: endpoint}
}

// List fetches one window of partitions.
func (a *APIPartitions) List(ctx context.Context, offset, limit int) ([]domain.Partition, error) {
	params := url.Values{}
	params.Set("offset", strconv.Itoa(offset))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var resp struct {
		Partitions []domain.Partition `json:"partitions"`
	}
	if err := a.client.getJSON(ctx, "partitions", a.endpoint+"?"+params.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	for i := range resp.Partitions {
		if resp.Partitions[i].Kind == "" {
			resp.Partitions[i].Kind = domain.PartitionRegion
		}
	}
	return resp.Partitions, nil
}
