package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regaudit-go/internal/config"
	"regaudit-go/internal/model"
	"regaudit-go/internal/pipeline"
	"regaudit-go/internal/repository"
	"regaudit-go/pkg/chunker"
	"regaudit-go/pkg/storage"
	"regaudit-go/pkg/tasks"
)

type recordingPublisher struct {
	tasks []tasks.IngestTask
	err   error
}

func (p *recordingPublisher) Publish(ctx context.Context, task tasks.IngestTask) error {
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

func newRegulationService(t *testing.T, env *serviceEnv, publisher TaskPublisher) (RegulationService, repository.DocumentRepository) {
	t.Helper()
	store, err := storage.New(context.Background(), config.StorageConfig{Type: "local", LocalPath: t.TempDir()})
	require.NoError(t, err)
	docRepo := repository.NewDocumentRepository(env.db)
	processor := pipeline.NewProcessor(nil, store, chunker.New(chunker.WithMinTokens(5), chunker.WithMaxTokens(50)), env.coord, docRepo)
	svc := NewRegulationService(store, docRepo, env.chunks, repository.NewEntityRepository(env.db), env.coord,
		processor, publisher, model.StorageInfo{VectorIndexPath: env.indexPath, MetadataDBPath: env.dbPath})
	return svc, docRepo
}

func TestRegulationService_SubmitInline(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)
	svc, _ := newRegulationService(t, env, nil)

	body := "Storage must be refrigerated at 2 to 8 degrees Celsius.\nTemperature excursions must be documented."
	doc, err := svc.Submit(ctx, "ColdChainReg.txt", int64(len(body)), strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusDone, doc.Status)
	assert.Greater(t, doc.ChunkCount, 0)

	status, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Consistent)
	assert.Equal(t, int64(doc.ChunkCount), status.MetadataRows)
	assert.Equal(t, env.indexPath, status.StorageInfo.VectorIndexPath)
	require.NotEmpty(t, status.Processes)
	assert.Equal(t, model.EntityProcessName, status.Processes[0].ProcessName)

	results, err := env.retrieval.Retrieve(ctx, "refrigerated storage", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ColdChainReg.txt", results[0].DocName)

	docs, err := svc.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	report, err := svc.Reindex(ctx)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestRegulationService_SubmitEnqueues(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)
	publisher := &recordingPublisher{}
	svc, docRepo := newRegulationService(t, env, publisher)

	doc, err := svc.Submit(ctx, "ColdChainReg.pdf", 8, strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusPending, doc.Status)
	require.Len(t, publisher.tasks, 1)
	assert.Equal(t, doc.FileID, publisher.tasks[0].FileID)
	assert.Equal(t, doc.StoragePath, publisher.tasks[0].StoragePath)

	publisher.err = errors.New("broker down")
	_, err = svc.Submit(ctx, "Other.pdf", 8, strings.NewReader("%PDF-1.4"))
	require.Error(t, err)
	docs, err := docRepo.List(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
}

func TestRegulationService_RejectsUnsupportedType(t *testing.T) {
	env := newServiceEnv(t)
	svc, _ := newRegulationService(t, env, nil)
	_, err := svc.Submit(context.Background(), "photo.png", 1, strings.NewReader("x"))
	assert.True(t, errors.Is(err, ErrInvalidInput))
}
