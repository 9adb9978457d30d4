package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regaudit-go/internal/config"
	"regaudit-go/internal/model"
	"regaudit-go/internal/repository"
	"regaudit-go/pkg/chunker"
	"regaudit-go/pkg/llm"
	"regaudit-go/pkg/storage"
	"regaudit-go/pkg/tasks"
)

type fakeExtractor struct {
	pages []string
	err   error
}

func (f *fakeExtractor) ExtractPages(ctx context.Context, r io.Reader, fileName string) ([]string, error) {
	if _, err := io.ReadAll(r); err != nil {
		return nil, err
	}
	return f.pages, f.err
}

func newTestProcessor(t *testing.T, env *testEnv, extractor PageExtractor) (*Processor, storage.Storage, repository.DocumentRepository) {
	t.Helper()
	store, err := storage.New(context.Background(), config.StorageConfig{Type: "local", LocalPath: t.TempDir()})
	require.NoError(t, err)
	docRepo := repository.NewDocumentRepository(env.db)
	chk := chunker.New(chunker.WithMinTokens(5), chunker.WithMaxTokens(40))
	return NewProcessor(extractor, store, chk, env.coord, docRepo), store, docRepo
}

func uploadTask(t *testing.T, store storage.Storage, docRepo repository.DocumentRepository, name, body string) tasks.IngestTask {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	path, err := store.Upload(ctx, id, name, strings.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, docRepo.Create(ctx, &model.RegulationDocument{
		FileID:      id.String(),
		FileName:    name,
		StoragePath: path,
		TotalSize:   int64(len(body)),
	}))
	return tasks.IngestTask{TaskID: uuid.NewString(), FileID: id.String(), FileName: name, StoragePath: path}
}

func TestProcessor_IngestsPagedDocument(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	extractor := &fakeExtractor{pages: []string{
		"Products must be stored between 2 and 8 degrees Celsius at all times.",
		"Temperature excursions must be documented and investigated within 24 hours.",
	}}
	p, store, docRepo := newTestProcessor(t, env, extractor)
	task := uploadTask(t, store, docRepo, "ColdChainReg.pdf", "%PDF-1.4 binary")

	require.NoError(t, p.Process(ctx, task))

	doc, err := docRepo.GetByFileID(ctx, task.FileID)
	require.NoError(t, err)
	assert.Equal(t, "done", doc.StatusText())
	assert.Greater(t, doc.ChunkCount, 0)

	rows, err := env.repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, doc.ChunkCount)
	assert.Equal(t, "ColdChainReg.pdf", rows[0].DocName)
	assert.True(t, strings.HasPrefix(rows[0].PageRange, "p.1"))
	assert.Equal(t, len(rows), env.index.Size())
}

func TestProcessor_PlainTextSkipsExtractor(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	extractor := &fakeExtractor{err: errors.New("should not be called")}
	p, store, docRepo := newTestProcessor(t, env, extractor)
	task := uploadTask(t, store, docRepo, "guidance.txt", "Records shall be retained for at least five years after release.")

	require.NoError(t, p.Process(ctx, task))
	n, err := env.repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProcessor_MarksFailedDocument(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	p, store, docRepo := newTestProcessor(t, env, &fakeExtractor{err: errors.New("tika unavailable")})
	task := uploadTask(t, store, docRepo, "ColdChainReg.pdf", "%PDF-1.4 binary")

	err := p.Process(ctx, task)
	require.Error(t, err)

	doc, err := docRepo.GetByFileID(ctx, task.FileID)
	require.NoError(t, err)
	assert.Equal(t, "failed", doc.StatusText())
	assert.Contains(t, doc.ErrorMessage, "tika unavailable")
	assert.Equal(t, 0, env.index.Size())
}

func TestProcessor_EmptyPagesFail(t *testing.T) {
	env := newTestEnv(t, nil)
	p, store, docRepo := newTestProcessor(t, env, &fakeExtractor{pages: []string{"", "  "}})
	task := uploadTask(t, store, docRepo, "blank.pdf", "%PDF-1.4")
	assert.Error(t, p.Process(context.Background(), task))
}

// scriptedClient 依次返回预设回复，用完后返回 err。
type scriptedClient struct {
	replies []string
	err     error
}

func (s *scriptedClient) Complete(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams) (string, error) {
	if len(s.replies) == 0 {
		return "", s.err
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func TestEntityExtractor_ResumesFromStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	chunks, err := env.coord.IndexBatch(ctx, inputs("FDA requires 21 CFR 211.", "WHO TRS 961 Annex 9.", "Store at 2-8 °C."))
	require.NoError(t, err)

	entityRepo := repository.NewEntityRepository(env.db)
	client := &scriptedClient{
		replies: []string{
			"```json\n[{\"name\":\"FDA\",\"label\":\"org\"},{\"name\":\"21 CFR 211\",\"label\":\"LAW\"}]\n```",
		},
		err: errors.New("rate limited"),
	}
	extractor := NewEntityExtractor(env.repo, entityRepo, client)

	processed, err := extractor.Run(ctx, 0)
	require.Error(t, err)
	assert.Equal(t, 1, processed)

	status, err := env.repo.GetStatus(ctx, model.EntityProcessName)
	require.NoError(t, err)
	assert.Equal(t, chunks[0].ChunkID, status.LastProcessedChunkID)

	client.replies = append(client.replies, `[{"name":"WHO","label":"ORG"}]`, `[]`)
	processed, err = extractor.Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	status, err = env.repo.GetStatus(ctx, model.EntityProcessName)
	require.NoError(t, err)
	assert.Equal(t, chunks[2].ChunkID, status.LastProcessedChunkID)

	n, err := entityRepo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestParseEntities(t *testing.T) {
	got, err := ParseEntities(`Here you go: [{"name":"FDA","label":"org"},{"name":"fda","label":"ORG"},{"name":"","label":"X"},{"name":"GDP"}]`)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "FDA", got[0].Name)
	assert.Equal(t, "ORG", got[0].Label)
	assert.Equal(t, "MISC", got[1].Label)

	_, err = ParseEntities("no entities here")
	assert.Error(t, err)
}
