package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docchat/internal/domain"
	"docchat/internal/integrations/qdrant"
	"docchat/internal/usecase"
)

type fakeDense struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (f *fakeDense) EmbedDenseBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batches = append(f.batches, texts)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

type fakeSparse struct{}

func (fakeSparse) EmbedPassage(_ context.Context, text string) (domain.SparseVector, error) {
	return domain.SparseVector{Indices: []uint32{uint32(len(text))}, Values: []float32{1}}, nil
}

type fakeIndex struct {
	mu        sync.Mutex
	points    []qdrant.Point
	payloads  []map[string]any
	upsertErr error
	scrollErr error
}

func (f *fakeIndex) Upsert(_ context.Context, points []qdrant.Point) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeIndex) ScrollPayloads(_ context.Context) ([]map[string]any, error) {
	return f.payloads, f.scrollErr
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func newTestService(t *testing.T, dense *fakeDense, index *fakeIndex) (*Service, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "uploads")
	svc, err := NewService(dense, fakeSparse{}, index, Options{
		UploadDir:         dir,
		SentencesPerChunk: 2,
		OverlapSentences:  1,
		EmbedBatchSize:    2,
		EmbedConcurrency:  2,
	})
	require.NoError(t, err)
	return svc, dir
}

func expectCode(t *testing.T, err error, code usecase.ErrorCode, reason string) {
	t.Helper()
	var ue *usecase.Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, code, ue.Code)
	require.Equal(t, reason, ue.Reason)
}

const leaseText = "The lease starts in May. Rent is due monthly. Notice is 30 days. Pets are allowed."

func TestUpload_TextFileIsChunkedEmbeddedAndIndexed(t *testing.T) {
	dense := &fakeDense{}
	index := &fakeIndex{}
	svc, dir := newTestService(t, dense, index)

	res, err := svc.Upload(context.Background(), UploadedFile{
		FileName:    "lease.txt",
		ContentType: "text/plain; charset=utf-8",
		Body:        strings.NewReader(leaseText),
	})
	require.NoError(t, err)
	require.Equal(t, "lease.txt", res.OriginalFileName)
	require.Equal(t, int64(len(leaseText)), res.Size)
	require.Equal(t, 3, res.ChunksCreated)

	stored, err := os.ReadFile(filepath.Join(dir, res.DocumentID+".txt"))
	require.NoError(t, err)
	require.Equal(t, leaseText, string(stored))

	// 3 passages in batches of 2.
	require.Len(t, dense.batches, 2)

	require.Len(t, index.points, 3)
	seen := map[string]bool{}
	for i, p := range index.points {
		require.False(t, seen[p.ID])
		seen[p.ID] = true
		require.Equal(t, res.DocumentID, p.Payload[qdrant.PayloadDocumentID])
		require.Equal(t, "lease.txt", p.Payload[qdrant.PayloadFileName])
		require.Equal(t, i, p.Payload[qdrant.PayloadChunkIdx])
		require.Equal(t, []float32{float32(len(p.Payload[qdrant.PayloadText].(string))), 1}, p.Dense)
		require.Equal(t, map[string]any{
			"page":         1,
			"source":       "lease.txt",
			"chunk_idx":    i,
			"total_chunks": 3,
			"chunk_method": "sentence",
		}, p.Payload[qdrant.PayloadMetadata])
	}
	require.Equal(t, "The lease starts in May. Rent is due monthly.", index.points[0].Payload[qdrant.PayloadText])
	require.Equal(t, "Notice is 30 days. Pets are allowed.", index.points[2].Payload[qdrant.PayloadText])
}

func TestUpload_Validation(t *testing.T) {
	cases := []struct {
		name   string
		file   UploadedFile
		reason string
	}{
		{"unsupported extension", UploadedFile{FileName: "notes.docx", ContentType: "application/msword", Body: strings.NewReader("x")}, "unsupported_file_type"},
		{"mismatched content type", UploadedFile{FileName: "lease.pdf", ContentType: "text/plain", Body: strings.NewReader("x")}, "invalid_content_type"},
		{"malformed content type", UploadedFile{FileName: "lease.txt", ContentType: "", Body: strings.NewReader("x")}, "invalid_content_type"},
		{"missing body", UploadedFile{FileName: "lease.txt", ContentType: "text/plain"}, "missing_file"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			index := &fakeIndex{}
			svc, dir := newTestService(t, &fakeDense{}, index)
			_, err := svc.Upload(context.Background(), tc.file)
			expectCode(t, err, usecase.ErrorInvalidInput, tc.reason)

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			require.Empty(t, entries)
			require.Empty(t, index.points)
		})
	}
}

func TestUpload_MarkdownAccepted(t *testing.T) {
	svc, _ := newTestService(t, &fakeDense{}, &fakeIndex{})
	res, err := svc.Upload(context.Background(), UploadedFile{
		FileName:    "README.MD",
		ContentType: "text/markdown",
		Body:        strings.NewReader("# Title\n\nShort body"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.ChunksCreated)
}

func requireNoStoredFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestUpload_UnreadablePDF(t *testing.T) {
	svc, dir := newTestService(t, &fakeDense{}, &fakeIndex{})
	_, err := svc.Upload(context.Background(), UploadedFile{
		FileName:    "broken.pdf",
		ContentType: "application/pdf",
		Body:        strings.NewReader("definitely not a pdf"),
	})
	expectCode(t, err, usecase.ErrorInternal, "unreadable_document")
	requireNoStoredFiles(t, dir)
}

func TestUpload_NoText(t *testing.T) {
	svc, dir := newTestService(t, &fakeDense{}, &fakeIndex{})
	_, err := svc.Upload(context.Background(), UploadedFile{FileName: "empty.txt", ContentType: "text/plain", Body: strings.NewReader("  \n ")})
	expectCode(t, err, usecase.ErrorInternal, "no_extractable_text")
	requireNoStoredFiles(t, dir)
}

func TestUpload_BodyReadFailureRemovesPartialFile(t *testing.T) {
	svc, dir := newTestService(t, &fakeDense{}, &fakeIndex{})
	_, err := svc.Upload(context.Background(), UploadedFile{FileName: "lease.txt", ContentType: "text/plain", Body: failingReader{}})
	expectCode(t, err, usecase.ErrorInternal, "store_file_error")
	requireNoStoredFiles(t, dir)
}

func TestUpload_UpstreamFailures(t *testing.T) {
	svc, dir := newTestService(t, &fakeDense{err: errors.New("embeddings down")}, &fakeIndex{})
	_, err := svc.Upload(context.Background(), UploadedFile{FileName: "lease.txt", ContentType: "text/plain", Body: strings.NewReader(leaseText)})
	expectCode(t, err, usecase.ErrorUpstream, "embedding_error")
	requireNoStoredFiles(t, dir)

	index := &fakeIndex{upsertErr: errors.New("qdrant down")}
	svc, dir = newTestService(t, &fakeDense{}, index)
	_, err = svc.Upload(context.Background(), UploadedFile{FileName: "lease.txt", ContentType: "text/plain", Body: strings.NewReader(leaseText)})
	expectCode(t, err, usecase.ErrorUpstream, "index_error")
	requireNoStoredFiles(t, dir)

	svc, _ = newTestService(t, &fakeDense{err: context.DeadlineExceeded}, &fakeIndex{})
	_, err = svc.Upload(context.Background(), UploadedFile{FileName: "lease.txt", ContentType: "text/plain", Body: strings.NewReader(leaseText)})
	expectCode(t, err, usecase.ErrorUpstreamTimeout, "embedding_error_timeout")
}

// gatedDense holds every call until release is closed.
type gatedDense struct {
	arrived chan struct{}
	release chan struct{}
}

func (g *gatedDense) EmbedDenseBatch(ctx context.Context, texts []string) ([][]float32, error) {
	g.arrived <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 1}
	}
	return out, nil
}

func TestUpload_ConcurrencyLimitIsPerUpload(t *testing.T) {
	dense := &gatedDense{arrived: make(chan struct{}, 2), release: make(chan struct{})}
	svc, err := NewService(dense, fakeSparse{}, &fakeIndex{}, Options{
		UploadDir:        t.TempDir(),
		EmbedConcurrency: 1,
	})
	require.NoError(t, err)

	errs := make(chan error, 2)
	for _, name := range []string{"a.txt", "b.txt"} {
		go func() {
			_, err := svc.Upload(context.Background(), UploadedFile{FileName: name, ContentType: "text/plain", Body: strings.NewReader("One sentence.")})
			errs <- err
		}()
	}

	// Both uploads reach the embedder while the first is still in flight.
	for range 2 {
		select {
		case <-dense.arrived:
		case <-time.After(2 * time.Second):
			close(dense.release)
			t.Fatal("second upload blocked behind the first")
		}
	}
	close(dense.release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
}

func TestListDocuments_GroupsByDocument(t *testing.T) {
	index := &fakeIndex{payloads: []map[string]any{
		{"document_id": "d1", "file_name": "lease.pdf"},
		{"document_id": "d2", "file_name": "nda.pdf"},
		{"document_id": "d1", "file_name": "lease.pdf"},
		{"text": "orphan"},
		{"document_id": "d1", "file_name": "lease.pdf"},
	}}
	svc, _ := newTestService(t, &fakeDense{}, index)

	got, err := svc.ListDocuments(context.Background())
	require.NoError(t, err)
	require.Equal(t, DocumentList{
		TotalFiles: 2,
		Files: []domain.DocumentSummary{
			{FileID: "d1", FileName: "lease.pdf", Chunks: 3},
			{FileID: "d2", FileName: "nda.pdf", Chunks: 1},
		},
	}, got)
}

func TestListDocuments_EmptyAndError(t *testing.T) {
	svc, _ := newTestService(t, &fakeDense{}, &fakeIndex{})
	got, err := svc.ListDocuments(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got.Files)
	require.Zero(t, got.TotalFiles)

	svc, _ = newTestService(t, &fakeDense{}, &fakeIndex{scrollErr: errors.New("boom")})
	_, err = svc.ListDocuments(context.Background())
	expectCode(t, err, usecase.ErrorUpstream, "index_error")
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(nil, fakeSparse{}, &fakeIndex{}, Options{UploadDir: t.TempDir()})
	require.Error(t, err)
	_, err = NewService(&fakeDense{}, fakeSparse{}, &fakeIndex{}, Options{})
	require.ErrorContains(t, err, "upload dir")
}
