package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"regaudit-go/internal/model"
	"regaudit-go/internal/repository"
	"regaudit-go/pkg/llm"
	"regaudit-go/pkg/log"
)

const entityPrompt = `Extract the named entities (organizations, regulations, standards, products, ` +
	`quantities with units, time limits) from the regulatory text below. ` +
	`Reply with a JSON array only, each element {"name": "...", "label": "..."}. ` +
	`Reply with [] when there are none.

TEXT:
%s`

// EntityExtractor 为文本块抽取命名实体，进度记录在 processing_status 中，可断点续跑。
type EntityExtractor struct {
	chunks    repository.ChunkRepository
	entities  repository.EntityRepository
	client    llm.Client
	params    *llm.GenerationParams
	batchSize int
}

// NewEntityExtractor 创建一个新的 EntityExtractor 实例。
func NewEntityExtractor(chunks repository.ChunkRepository, entities repository.EntityRepository, client llm.Client) *EntityExtractor {
	temperature := 0.0
	maxTokens := 512
	return &EntityExtractor{
		chunks:    chunks,
		entities:  entities,
		client:    client,
		params:    &llm.GenerationParams{Temperature: &temperature, MaxTokens: &maxTokens},
		batchSize: 50,
	}
}

// Run 从上次记录的位置继续处理，最多处理 limit 个文本块（limit <= 0 表示全部）。
// 单个文本块失败时停止并返回错误，已处理的进度保留。
func (e *EntityExtractor) Run(ctx context.Context, limit int) (int, error) {
	status, err := e.chunks.GetStatus(ctx, model.EntityProcessName)
	if err != nil {
		return 0, err
	}
	last := status.LastProcessedChunkID
	log.Infof("[EntityExtractor] 从 chunk_id > %d 处继续抽取实体", last)

	processed := 0
	for limit <= 0 || processed < limit {
		batch := e.batchSize
		if limit > 0 && limit-processed < batch {
			batch = limit - processed
		}
		rows, err := e.chunks.ListAfter(ctx, last, batch)
		if err != nil {
			return processed, err
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return processed, err
			}
			found, err := e.extract(ctx, row.Text)
			if err != nil {
				log.Warnw("[EntityExtractor] 实体抽取失败, 下次从该文本块继续", "chunk_id", row.ChunkID, "error", err)
				return processed, fmt.Errorf("entity extraction for chunk %d failed: %w", row.ChunkID, err)
			}
			if err := e.entities.ReplaceForChunk(ctx, row.ChunkID, found); err != nil {
				return processed, err
			}
			if err := e.chunks.AdvanceStatus(ctx, model.EntityProcessName, row.ChunkID); err != nil {
				return processed, err
			}
			last = row.ChunkID
			processed++
		}
	}

	log.Infof("[EntityExtractor] 本次共处理 %d 个文本块", processed)
	return processed, nil
}

type extractedEntity struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

func (e *EntityExtractor) extract(ctx context.Context, text string) ([]model.ChunkEntity, error) {
	reply, err := e.client.Complete(ctx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(entityPrompt, text)},
	}, e.params)
	if err != nil {
		return nil, err
	}
	return ParseEntities(reply)
}

// ParseEntities 解析模型返回的 JSON 实体数组，容忍 markdown 代码块包裹。
func ParseEntities(reply string) ([]model.ChunkEntity, error) {
	body := strings.TrimSpace(reply)
	if start := strings.Index(body, "["); start >= 0 {
		if end := strings.LastIndex(body, "]"); end > start {
			body = body[start : end+1]
		}
	}

	var raw []extractedEntity
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("invalid entity reply: %w", err)
	}

	seen := make(map[string]bool, len(raw))
	out := make([]model.ChunkEntity, 0, len(raw))
	for _, ent := range raw {
		name := strings.TrimSpace(ent.Name)
		label := strings.ToUpper(strings.TrimSpace(ent.Label))
		if name == "" {
			continue
		}
		if label == "" {
			label = "MISC"
		}
		key := label + "\x00" + strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, model.ChunkEntity{Name: name, Label: label})
	}
	return out, nil
}
