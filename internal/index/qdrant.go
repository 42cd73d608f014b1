package index

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"

	"github.com/tkaneda/queryloop/internal/repository"
)

// QdrantIndex implements Index using Qdrant, one collection per content
// domain.
type QdrantIndex struct {
	client *qdrant.Client
}

// NewQdrantIndex creates a new Qdrant-backed content index.
// url should be in format "host:port" (e.g., "localhost:6334").
func NewQdrantIndex(ctx context.Context, url string) (*QdrantIndex, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantIndex{client: client}, nil
}

// Close closes the Qdrant client connection.
func (s *QdrantIndex) Close() error {
	return s.client.Close()
}

// collectionName returns the collection name for a content domain.
func (s *QdrantIndex) collectionName(domain repository.Domain) string {
	return fmt.Sprintf("chunks_%s", domain)
}

// EnsureCollection creates the domain's collection if it does not exist.
func (s *QdrantIndex) EnsureCollection(ctx context.Context, domain repository.Domain, dimension int) error {
	name := s.collectionName(domain)

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// Upsert inserts or updates chunks in the domain's collection.
func (s *QdrantIndex) Upsert(ctx context.Context, domain repository.Domain, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	name := s.collectionName(domain)

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, chunk := range chunks {
		payload := map[string]*qdrant.Value{
			"content": qdrant.NewValueString(chunk.Content),
		}
		for k, v := range chunk.Metadata {
			payload[k] = qdrant.NewValueString(v)
		}

		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(chunk.ID),
			Payload: payload,
			Vectors: qdrant.NewVectors(chunk.Vector...),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

// Search performs similarity search against the domain's collection,
// nearest first.
func (s *QdrantIndex) Search(ctx context.Context, domain repository.Domain, vector []float32, k int) ([]Hit, error) {
	name := s.collectionName(domain)

	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]Hit, 0, len(response))
	for _, point := range response {
		hit := Hit{
			ChunkID:  point.Id.GetUuid(),
			Score:    point.Score,
			Metadata: make(map[string]string),
		}

		if payload := point.Payload; payload != nil {
			if content, ok := payload["content"]; ok {
				hit.Content = content.GetStringValue()
			}
			for key, v := range payload {
				if key != "content" {
					hit.Metadata[key] = v.GetStringValue()
				}
			}
		}

		hits = append(hits, hit)
	}

	return hits, nil
}

// Ensure QdrantIndex implements Index.
var _ Index = (*QdrantIndex)(nil)
