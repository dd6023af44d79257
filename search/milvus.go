package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	openai "github.com/sashabaranov/go-openai"

	"neuravox/core"
)

// MilvusIndex stores one collection per search index, schema and HNSW
// index creation mirroring the teacher's ensureSchemaAndIndex.
type MilvusIndex struct {
	mc    client.Client
	coll  string
	dim   int
	oa    *openai.Client
	model openai.EmbeddingModel
}

// NewMilvusIndex connects to addr and ensures the collection/index exist.
func NewMilvusIndex(ctx context.Context, addr, collection string, oa *openai.Client, embeddingModel string) (*MilvusIndex, error) {
	if collection == "" {
		collection = "neuravox_chunks"
	}
	mc, err := client.NewClient(ctx, client.Config{Address: addr})
	if err != nil {
		return nil, core.NewIOError("connect milvus: "+addr, err)
	}
	idx := &MilvusIndex{mc: mc, coll: collection, dim: 1536, oa: oa, model: openai.EmbeddingModel(embeddingModel)}
	if err := idx.ensureSchemaAndIndex(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (m *MilvusIndex) ensureSchemaAndIndex(ctx context.Context) error {
	has, err := m.mc.HasCollection(ctx, m.coll)
	if err != nil {
		return core.NewIOError("check milvus collection", err)
	}
	if !has {
		schema := entity.NewSchema()
		schema.WithField(entity.NewField().WithName("id").WithIsAutoID(true).WithIsPrimaryKey(true).WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("file_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(128))
		schema.WithField(entity.NewField().WithName("chunk_index").WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("start_s").WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName("end_s").WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName("text").WithDataType(entity.FieldTypeVarChar).WithMaxLength(8192))
		schema.WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(m.dim)))
		if err := m.mc.CreateCollection(ctx, schema, 2); err != nil {
			return core.NewIOError("create milvus collection", err)
		}
	}
	idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return core.NewIOError("build hnsw index spec", err)
	}
	if err := m.mc.CreateIndex(ctx, m.coll, "vector", idx, false); err != nil {
		return core.NewIOError("create milvus index", err)
	}
	return m.mc.LoadCollection(ctx, m.coll, false)
}

func (m *MilvusIndex) embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := m.oa.CreateEmbeddings(ctx, openai.EmbeddingRequest{Model: m.model, Input: []string{text}})
	if err != nil {
		return nil, core.NewIOError("create embedding", err)
	}
	if len(resp.Data) == 0 {
		return nil, core.NewIOError("embedding API returned no vectors", nil)
	}
	return resp.Data[0].Embedding, nil
}

func (m *MilvusIndex) Upsert(ctx context.Context, fileID string, docs []ChunkDoc) error {
	if len(docs) == 0 {
		return nil
	}
	fileIDs := make([]string, 0, len(docs))
	chunkIndexes := make([]int64, 0, len(docs))
	starts := make([]float64, 0, len(docs))
	ends := make([]float64, 0, len(docs))
	texts := make([]string, 0, len(docs))
	vectors := make([][]float32, 0, len(docs))
	for _, d := range docs {
		v, err := m.embed(ctx, d.Text)
		if err != nil {
			continue
		}
		fileIDs = append(fileIDs, fileID)
		chunkIndexes = append(chunkIndexes, int64(d.ChunkIndex))
		starts = append(starts, d.StartS)
		ends = append(ends, d.EndS)
		texts = append(texts, d.Text)
		vectors = append(vectors, v)
	}
	if len(vectors) == 0 {
		return core.NewIOError("no chunks embedded for milvus upsert", nil)
	}
	filter := fmt.Sprintf("file_id == \"%s\"", strings.ReplaceAll(fileID, "\"", "\\\""))
	if err := m.mc.Delete(ctx, m.coll, "", filter); err != nil {
		return core.NewIOError("delete previous milvus rows", err)
	}
	_, err := m.mc.Insert(ctx, m.coll, "",
		entity.NewColumnVarChar("file_id", fileIDs),
		entity.NewColumnInt64("chunk_index", chunkIndexes),
		entity.NewColumnDouble("start_s", starts),
		entity.NewColumnDouble("end_s", ends),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnFloatVector("vector", m.dim, vectors),
	)
	if err != nil {
		return core.NewIOError("insert into milvus", err)
	}
	return nil
}

func (m *MilvusIndex) Search(ctx context.Context, fileID, query string, topK int) ([]core.Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	v, err := m.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	sp, err := entity.NewIndexHNSWSearchParam(74)
	if err != nil {
		return nil, core.NewIOError("build hnsw search param", err)
	}
	filter := fmt.Sprintf("file_id == \"%s\"", strings.ReplaceAll(fileID, "\"", "\\\""))
	results, err := m.mc.Search(ctx, m.coll, []string{}, filter,
		[]string{"chunk_index", "start_s", "end_s", "text"},
		[]entity.Vector{entity.FloatVector(v)}, "vector", entity.COSINE, topK, sp)
	if err != nil {
		return nil, core.NewIOError("search milvus", err)
	}

	var hits []core.Hit
	for _, r := range results {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			hit := core.Hit{Score: float64(r.Scores[i])}
			if c, ok := cols["chunk_index"].(*entity.ColumnInt64); ok {
				if d := c.Data(); i < len(d) {
					hit.ChunkIndex = int(d[i])
				}
			}
			if c, ok := cols["start_s"].(*entity.ColumnDouble); ok {
				if d := c.Data(); i < len(d) {
					hit.StartS = d[i]
				}
			}
			if c, ok := cols["end_s"].(*entity.ColumnDouble); ok {
				if d := c.Data(); i < len(d) {
					hit.EndS = d[i]
				}
			}
			if c, ok := cols["text"].(*entity.ColumnVarChar); ok {
				if d := c.Data(); i < len(d) {
					hit.Text = d[i]
				}
			}
			hits = append(hits, hit)
		}
	}
	return hits, nil
}
