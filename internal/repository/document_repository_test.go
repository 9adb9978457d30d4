package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regaudit-go/internal/model"
)

func TestDocumentRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewDocumentRepository(newTestDB(t))

	doc := &model.RegulationDocument{
		FileID:      "0b8f5b8e-8f55-4a43-9d42-111111111111",
		FileName:    "ColdChainReg.pdf",
		StoragePath: "0b/0b8f5b8e_ColdChainReg.pdf",
		TotalSize:   1024,
	}
	require.NoError(t, repo.Create(ctx, doc))
	assert.NotZero(t, doc.ID)

	require.NoError(t, repo.MarkProcessing(ctx, doc.ID))
	got, err := repo.GetByFileID(ctx, doc.FileID)
	require.NoError(t, err)
	assert.Equal(t, "processing", got.StatusText())

	require.NoError(t, repo.MarkDone(ctx, doc.ID, 7))
	got, err = repo.GetByFileID(ctx, doc.FileID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusDone, got.Status)
	assert.Equal(t, 7, got.ChunkCount)
	assert.NotNil(t, got.ProcessedAt)

	require.NoError(t, repo.MarkFailed(ctx, doc.ID, "tika unavailable"))
	docs, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "failed", docs[0].StatusText())
	assert.Equal(t, "tika unavailable", docs[0].ErrorMessage)
}

func TestEntityRepository_ReplaceForChunk(t *testing.T) {
	ctx := context.Background()
	repo := NewEntityRepository(newTestDB(t))

	require.NoError(t, repo.ReplaceForChunk(ctx, 1, []model.ChunkEntity{
		{Name: "FDA", Label: "ORG"},
		{Name: "21 CFR 211", Label: "LAW"},
	}))
	require.NoError(t, repo.ReplaceForChunk(ctx, 1, []model.ChunkEntity{{Name: "FDA", Label: "ORG"}}))

	rows, err := repo.ListByChunk(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].ChunkID)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
