// Package ingest turns uploaded documents into indexed passages and reports
// what has been indexed.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"docchat/internal/domain"
	"docchat/internal/integrations/qdrant"
	"docchat/internal/metrics"
	"docchat/internal/usecase"
)

// allowedTypes maps each accepted extension to the content types accepted
// for it.
var allowedTypes = map[string][]string{
	".pdf": {"application/pdf"},
	".txt": {"text/plain"},
	".md":  {"text/markdown", "text/x-markdown", "text/plain"},
}

type DenseBatchEmbedder interface {
	EmbedDenseBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type PassageEmbedder interface {
	EmbedPassage(ctx context.Context, text string) (domain.SparseVector, error)
}

type Index interface {
	Upsert(ctx context.Context, points []qdrant.Point) error
	ScrollPayloads(ctx context.Context) ([]map[string]any, error)
}

// UploadedFile is a file received from a client. Body is read once.
type UploadedFile struct {
	FileName    string
	ContentType string
	Body        io.Reader
}

type UploadResult struct {
	DocumentID       string `json:"document_id"`
	OriginalFileName string `json:"original_filename"`
	Size             int64  `json:"size"`
	ChunksCreated    int    `json:"chunks_created"`
}

type DocumentList struct {
	TotalFiles int                      `json:"total_files"`
	Files      []domain.DocumentSummary `json:"files"`
}

type Options struct {
	UploadDir         string
	SentencesPerChunk int
	OverlapSentences  int
	EmbedBatchSize    int
	// EmbedConcurrency bounds in-flight embedding batches per upload.
	EmbedConcurrency int64
	Logger           *slog.Logger
}

type Service struct {
	dense     DenseBatchEmbedder
	sparse    PassageEmbedder
	index     Index
	chunker   *SentenceChunker
	uploadDir string
	batchSize int
	parallel  int64
	logger    *slog.Logger
}

func NewService(dense DenseBatchEmbedder, sparse PassageEmbedder, index Index, opts Options) (*Service, error) {
	if dense == nil || sparse == nil || index == nil {
		return nil, errors.New("ingest: dense embedder, sparse embedder and index are required")
	}
	if strings.TrimSpace(opts.UploadDir) == "" {
		return nil, errors.New("ingest: upload dir must not be empty")
	}
	if err := os.MkdirAll(opts.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("ingest: create upload dir: %w", err)
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = 32
	}
	if opts.EmbedConcurrency <= 0 {
		opts.EmbedConcurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		dense:     dense,
		sparse:    sparse,
		index:     index,
		chunker:   NewSentenceChunker(opts.SentencesPerChunk, opts.OverlapSentences),
		uploadDir: opts.UploadDir,
		batchSize: opts.EmbedBatchSize,
		parallel:  opts.EmbedConcurrency,
		logger:    opts.Logger,
	}, nil
}

func (s *Service) Upload(ctx context.Context, f UploadedFile) (UploadResult, error) {
	res, err := s.upload(ctx, f)
	if err != nil {
		metrics.DocumentUploaded(string(usecase.Code(err)), 0)
		s.logger.Error("document upload failed", "file_name", f.FileName, "err", err)
		return UploadResult{}, err
	}
	metrics.DocumentUploaded("ok", res.ChunksCreated)
	s.logger.Info("document indexed", "document_id", res.DocumentID, "file_name", res.OriginalFileName, "chunks", res.ChunksCreated)
	return res, nil
}

func (s *Service) upload(ctx context.Context, f UploadedFile) (_ UploadResult, err error) {
	ext, err := validateFile(f)
	if err != nil {
		return UploadResult{}, err
	}

	docID := uuid.NewString()
	path := filepath.Join(s.uploadDir, docID+ext)
	size, err := saveFile(path, f.Body)
	if err != nil {
		return UploadResult{}, usecase.NewError(usecase.ErrorInternal, "store_file_error", err)
	}
	// Only indexed documents keep their stored file.
	defer func() {
		if err != nil {
			if rerr := os.Remove(path); rerr != nil {
				s.logger.Warn("remove stored upload", "path", path, "err", rerr)
			}
		}
	}()

	pages, err := extractPages(path, ext)
	if err != nil {
		return UploadResult{}, usecase.NewError(usecase.ErrorInternal, "unreadable_document", err)
	}
	passages := s.passages(pages, f.FileName)
	if len(passages) == 0 {
		return UploadResult{}, usecase.NewError(usecase.ErrorInternal, "no_extractable_text", nil)
	}

	points, err := s.embed(ctx, docID, f.FileName, passages)
	if err != nil {
		return UploadResult{}, usecase.UpstreamError("embedding_error", err)
	}
	if err := s.index.Upsert(ctx, points); err != nil {
		return UploadResult{}, usecase.UpstreamError("index_error", err)
	}

	return UploadResult{
		DocumentID:       docID,
		OriginalFileName: f.FileName,
		Size:             size,
		ChunksCreated:    len(points),
	}, nil
}

func validateFile(f UploadedFile) (string, error) {
	if f.Body == nil || strings.TrimSpace(f.FileName) == "" {
		return "", usecase.NewError(usecase.ErrorInvalidInput, "missing_file", nil)
	}
	ext := strings.ToLower(filepath.Ext(f.FileName))
	accepted, ok := allowedTypes[ext]
	if !ok {
		return "", usecase.NewError(usecase.ErrorInvalidInput, "unsupported_file_type", nil)
	}
	mediaType, _, err := mime.ParseMediaType(f.ContentType)
	if err != nil {
		return "", usecase.NewError(usecase.ErrorInvalidInput, "invalid_content_type", err)
	}
	for _, t := range accepted {
		if mediaType == t {
			return ext, nil
		}
	}
	return "", usecase.NewError(usecase.ErrorInvalidInput, "invalid_content_type", nil)
}

// saveFile writes body to path. A partially written file is removed.
func saveFile(path string, body io.Reader) (size int64, err error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("ingest: create %s: %w", path, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("ingest: close %s: %w", path, cerr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	size, err = io.Copy(out, body)
	if err != nil {
		return 0, fmt.Errorf("ingest: write %s: %w", path, err)
	}
	return size, nil
}

func (s *Service) passages(pages []page, fileName string) []domain.Passage {
	var out []domain.Passage
	for _, p := range pages {
		for _, text := range s.chunker.Split(p.Text) {
			out = append(out, domain.Passage{
				Text: text,
				Metadata: map[string]any{
					"page":         p.Number,
					"source":       fileName,
					"chunk_idx":    len(out),
					"chunk_method": chunkMethod,
				},
			})
		}
	}
	for i := range out {
		out[i].Metadata["total_chunks"] = len(out)
	}
	return out
}

func (s *Service) embed(ctx context.Context, docID, fileName string, passages []domain.Passage) ([]qdrant.Point, error) {
	points := make([]qdrant.Point, len(passages))
	sem := semaphore.NewWeighted(s.parallel)
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(passages); start += s.batchSize {
		end := min(start+s.batchSize, len(passages))
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			texts := make([]string, 0, end-start)
			for _, p := range passages[start:end] {
				texts = append(texts, p.Text)
			}
			dense, err := s.dense.EmbedDenseBatch(gctx, texts)
			if err != nil {
				return fmt.Errorf("dense batch %d-%d: %w", start, end, err)
			}
			if len(dense) != len(texts) {
				return fmt.Errorf("dense batch %d-%d: got %d vectors", start, end, len(dense))
			}
			for i, text := range texts {
				sparse, err := s.sparse.EmbedPassage(gctx, text)
				if err != nil {
					return fmt.Errorf("sparse passage %d: %w", start+i, err)
				}
				idx := start + i
				points[idx] = qdrant.Point{
					ID:     uuid.NewString(),
					Dense:  dense[i],
					Sparse: sparse,
					Payload: map[string]any{
						qdrant.PayloadText:       text,
						qdrant.PayloadMetadata:   passages[idx].Metadata,
						qdrant.PayloadDocumentID: docID,
						qdrant.PayloadFileName:   fileName,
						qdrant.PayloadChunkIdx:   idx,
					},
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return points, nil
}

// ListDocuments groups indexed passages by document, in first-seen order.
func (s *Service) ListDocuments(ctx context.Context) (DocumentList, error) {
	payloads, err := s.index.ScrollPayloads(ctx)
	if err != nil {
		return DocumentList{}, usecase.UpstreamError("index_error", err)
	}
	files := []domain.DocumentSummary{}
	byID := make(map[string]int)
	for _, p := range payloads {
		id, _ := p[qdrant.PayloadDocumentID].(string)
		if id == "" {
			continue
		}
		i, seen := byID[id]
		if !seen {
			name, _ := p[qdrant.PayloadFileName].(string)
			i = len(files)
			byID[id] = i
			files = append(files, domain.DocumentSummary{FileID: id, FileName: name})
		}
		files[i].Chunks++
	}
	return DocumentList{TotalFiles: len(files), Files: files}, nil
}
