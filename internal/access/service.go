// Package access mediates uploads, downloads and token-gated previews of
// time-locked files. Every grant is decided by the expiry ledger; the blob
// store only holds sealed bytes.
package access

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/abduss/timelock/internal/blobstore"
	"github.com/abduss/timelock/internal/ledger"
	"github.com/abduss/timelock/internal/logger"
	"github.com/abduss/timelock/internal/metrics"
	"github.com/abduss/timelock/internal/viewtoken"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

const (
	flowUpload   = "upload"
	flowDownload = "download"
	flowIssue    = "view_token"
	flowView     = "view"

	defaultContentType = "application/octet-stream"
	maxFilenameLength  = 255
)

type expiryLedger interface {
	Register(ctx context.Context, id string, durationSeconds int64) (ledger.Record, error)
	IsBeforeExpiry(ctx context.Context, id string) (bool, error)
	Status(ctx context.Context, id string) (ledger.Status, error)
}

type blobStore interface {
	Put(ctx context.Context, id string, data []byte, meta blobstore.Metadata) error
	Get(ctx context.Context, id string) (blobstore.Object, error)
	Stat(ctx context.Context, id string) (blobstore.Metadata, error)
}

type tokenIssuer interface {
	Mint(id string, notAfter time.Time) (viewtoken.Token, error)
	Verify(token, id string) error
}

type blobSealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Service implements the upload, download and view flows.
type Service struct {
	ledger  expiryLedger
	blobs   blobStore
	tokens  tokenIssuer
	sealer  blobSealer
	opts    Options
	log     *zap.Logger
	nowFunc func() time.Time
}

// NewService wires the mediator to its collaborators.
func NewService(expiries expiryLedger, blobs blobStore, tokens tokenIssuer, seal blobSealer, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		ledger:  expiries,
		blobs:   blobs,
		tokens:  tokens,
		sealer:  seal,
		opts:    opts,
		log:     log.Named("access"),
		nowFunc: time.Now,
	}
}

// Upload seals the payload, registers its expiry and stores the sealed
// bytes. Nothing is written to the blob store unless registration succeeds.
func (s *Service) Upload(ctx context.Context, input UploadInput) (result UploadResult, err error) {
	defer func() { metrics.ObserveAccess(flowUpload, outcome(err)) }()

	if len(input.Data) == 0 {
		return UploadResult{}, invalidInput("file is required")
	}
	if input.DurationSeconds <= 0 {
		return UploadResult{}, invalidInput("duration must be a positive number of seconds")
	}
	if input.DurationSeconds > ledger.MaxDurationSeconds {
		return UploadResult{}, invalidInput(fmt.Sprintf("duration exceeds %d seconds", ledger.MaxDurationSeconds))
	}
	if s.opts.MaxDuration > 0 && input.DurationSeconds > int64(s.opts.MaxDuration/time.Second) {
		return UploadResult{}, invalidInput(fmt.Sprintf("duration exceeds %s", s.opts.MaxDuration))
	}
	if s.opts.MaxUploadBytes > 0 && int64(len(input.Data)) > s.opts.MaxUploadBytes {
		return UploadResult{}, ErrPayloadTooLarge
	}

	meta := blobstore.Metadata{
		Filename:    sanitizeFilename(input.Filename),
		ContentType: detectContentType(input.ContentType, input.Data),
		Size:        int64(len(input.Data)),
	}

	sealed, err := s.sealer.Seal(input.Data)
	if err != nil {
		return UploadResult{}, fmt.Errorf("seal upload: %w", err)
	}
	id, err := blobstore.ComputeID(sealed)
	if err != nil {
		return UploadResult{}, err
	}

	log := s.log.With(
		zap.String("id", id),
		zap.String("correlation_id", logger.CorrelationIDFromContext(ctx)),
	)

	record, err := s.ledger.Register(ctx, id, input.DurationSeconds)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInconsistentRegistration):
			log.Error("ledger registration inconsistent", zap.Error(err))
			return UploadResult{}, fmt.Errorf("%w: %w", ErrInconsistentState, err)
		case errors.Is(err, ledger.ErrRegistrationConflict):
			return UploadResult{}, fmt.Errorf("%w: %w", ErrRegistrationConflict, err)
		case errors.Is(err, ledger.ErrLedgerUnavailable):
			log.Warn("ledger unavailable during upload", zap.Error(err))
			return UploadResult{}, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
		case errors.Is(err, ledger.ErrInvalidDuration), errors.Is(err, ledger.ErrInvalidIdentifier):
			return UploadResult{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		default:
			return UploadResult{}, fmt.Errorf("register expiry: %w", err)
		}
	}

	putCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.blobs.Put(putCtx, id, sealed, meta); err != nil {
		metrics.IncPartialUpload()
		log.Error("blob write failed after ledger registration",
			zap.Time("expires_at", record.ExpiresAt),
			zap.Int("sealed_bytes", len(sealed)),
			zap.Error(err),
		)
		return UploadResult{}, fmt.Errorf("%w: %w", ErrPartialUpload, err)
	}

	log.Info("file uploaded",
		zap.Int64("duration_seconds", input.DurationSeconds),
		zap.Time("expires_at", record.ExpiresAt),
		zap.String("content_type", meta.ContentType),
		zap.Int64("size", meta.Size),
	)
	return UploadResult{ID: id, ExpiresAt: record.ExpiresAt.UTC()}, nil
}

// Download returns the decrypted file while the ledger reports it active.
func (s *Service) Download(ctx context.Context, id string) (file File, err error) {
	defer func() { metrics.ObserveAccess(flowDownload, outcome(err)) }()

	if err := validateID(id); err != nil {
		return File{}, err
	}

	active, err := s.ledger.IsBeforeExpiry(ctx, id)
	if err != nil {
		return File{}, s.ledgerError(ctx, id, err)
	}
	if !active {
		return File{}, fmt.Errorf("%w: file expired", ErrAccessDenied)
	}

	return s.readFile(ctx, id)
}

// IssueViewToken checks the ledger and mints a preview token that expires no
// later than the file itself.
func (s *Service) IssueViewToken(ctx context.Context, id string) (grant ViewGrant, err error) {
	defer func() { metrics.ObserveAccess(flowIssue, outcome(err)) }()

	if err := validateID(id); err != nil {
		return ViewGrant{}, err
	}

	status, err := s.ledger.Status(ctx, id)
	if err != nil {
		return ViewGrant{}, s.ledgerError(ctx, id, err)
	}
	if !status.Active {
		return ViewGrant{}, fmt.Errorf("%w: file expired", ErrAccessDenied)
	}

	statCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if _, err := s.blobs.Stat(statCtx, id); err != nil {
		return ViewGrant{}, s.storeError(ctx, id, err)
	}

	token, err := s.tokens.Mint(id, s.nowFunc().Add(status.Remaining()))
	if err != nil {
		if errors.Is(err, viewtoken.ErrWindowClosed) {
			return ViewGrant{}, fmt.Errorf("%w: %w", ErrAccessDenied, err)
		}
		return ViewGrant{}, fmt.Errorf("mint view token: %w", err)
	}
	metrics.IncTokensMinted()

	s.log.Debug("view token issued",
		zap.String("id", id),
		zap.String("token_id", token.ID),
		zap.Time("expires_at", token.ExpiresAt),
	)
	return ViewGrant{Token: token.Value, ExpiresAt: token.ExpiresAt}, nil
}

// FetchView serves the file to a holder of a valid view token. The ledger is
// not consulted; the token's own expiry bounds access.
func (s *Service) FetchView(ctx context.Context, id, token string) (file File, err error) {
	defer func() { metrics.ObserveAccess(flowView, outcome(err)) }()

	if err := validateID(id); err != nil {
		return File{}, err
	}
	if err := s.tokens.Verify(token, id); err != nil {
		return File{}, fmt.Errorf("%w: %w", ErrAccessDenied, err)
	}

	return s.readFile(ctx, id)
}

func (s *Service) readFile(ctx context.Context, id string) (File, error) {
	getCtx, cancel := s.storeContext(ctx)
	defer cancel()

	obj, err := s.blobs.Get(getCtx, id)
	if err != nil {
		return File{}, s.storeError(ctx, id, err)
	}

	plaintext, err := s.sealer.Open(obj.Data)
	if err != nil {
		s.log.Error("stored blob cannot be opened",
			zap.String("id", id),
			zap.String("correlation_id", logger.CorrelationIDFromContext(ctx)),
			zap.Error(err),
		)
		return File{}, fmt.Errorf("%w: %w", ErrInconsistentState, err)
	}

	meta := obj.Metadata
	if meta.ContentType == "" {
		meta.ContentType = defaultContentType
	}
	meta.Size = int64(len(plaintext))
	return File{Metadata: meta, Data: plaintext}, nil
}

// ledgerError folds unknown identifiers into ErrAccessDenied so callers
// cannot probe which identifiers exist.
func (s *Service) ledgerError(ctx context.Context, id string, err error) error {
	switch {
	case errors.Is(err, ledger.ErrUnknownIdentifier):
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	case errors.Is(err, ledger.ErrLedgerUnavailable):
		s.log.Warn("ledger unavailable",
			zap.String("id", id),
			zap.String("correlation_id", logger.CorrelationIDFromContext(ctx)),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	default:
		return fmt.Errorf("query ledger: %w", err)
	}
}

func (s *Service) storeError(ctx context.Context, id string, err error) error {
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		s.log.Error("ledger grants access but blob is missing",
			zap.String("id", id),
			zap.String("correlation_id", logger.CorrelationIDFromContext(ctx)),
		)
		return fmt.Errorf("%w: %w", ErrInconsistentState, err)
	case errors.Is(err, blobstore.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	default:
		return fmt.Errorf("read blob: %w", err)
	}
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.StoreTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.StoreTimeout)
	}
	return context.WithCancel(ctx)
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalidInput("file identifier is required")
	}
	if _, err := blobstore.ParseID(id); err != nil {
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	}
	return nil
}

func detectContentType(declared string, data []byte) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != defaultContentType {
		return declared
	}
	if detected := mimetype.Detect(data); detected != nil {
		return detected.String()
	}
	return defaultContentType
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '"' {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" {
		return "upload"
	}
	if len(name) > maxFilenameLength {
		name = strings.ToValidUTF8(name[:maxFilenameLength], "")
	}
	return name
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrPayloadTooLarge):
		return "invalid"
	case errors.Is(err, ErrAccessDenied):
		return "denied"
	case errors.Is(err, ErrRegistrationConflict):
		return "conflict"
	case errors.Is(err, ErrServiceUnavailable):
		return "unavailable"
	case errors.Is(err, ErrPartialUpload), errors.Is(err, ErrInconsistentState):
		return "inconsistent"
	default:
		return "error"
	}
}
